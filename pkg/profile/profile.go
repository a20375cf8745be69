// Package profile loads traffic profiles that are uploaded to the traffic
// generator. YAML and JSON profiles are parsed and validated locally; any
// other file is treated as opaque source that the remote side compiles.
package profile

import (
	"embed"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const BundledName = "http_simple"

//go:embed profiles/*.yaml
var bundled embed.FS

var (
	ErrNotFound  = errors.New("profile not found")
	ErrMalformed = errors.New("malformed profile")
)

type Format string

const (
	FormatYAML   Format = "yaml"
	FormatJSON   Format = "json"
	FormatOpaque Format = "opaque"
)

// Profile is immutable once loaded.
type Profile struct {
	Path   string
	Name   string
	Format Format
	Raw    []byte
	Spec   *Spec // nil when Format is FormatOpaque
}

// Load reads the profile at path. An empty path selects the bundled profile.
func Load(path string) (*Profile, error) {
	if path == "" {
		return Bundled(BundledName)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "%s", path)
		}
		return nil, errors.Wrapf(err, "failed to read profile %s", path)
	}
	return parse(path, raw)
}

// Bundled returns one of the profiles compiled into the binary.
func Bundled(name string) (*Profile, error) {
	path := "profiles/" + name + ".yaml"
	raw, err := bundled.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrNotFound, "bundled %s", name)
	}
	return parse(path, raw)
}

func parse(path string, raw []byte) (*Profile, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, errors.Wrapf(ErrMalformed, "%s: empty file", path)
	}

	p := &Profile{
		Path:   path,
		Name:   strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Format: formatOf(path),
		Raw:    raw,
	}
	if p.Format == FormatOpaque {
		return p, nil
	}

	// JSON は YAML のサブセットなので同じデコーダで読む
	spec := newSpec()
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "%s: %v", path, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "%s: %v", path, err)
	}
	if spec.Name != "" {
		p.Name = spec.Name
	}
	p.Spec = &spec
	return p, nil
}

func formatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	default:
		return FormatOpaque
	}
}
