package profile

import (
	"fmt"
	"net/netip"

	defaults "github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"
)

const mss = 1460

type Spec struct {
	Name      string     `yaml:"name" json:"name"`
	IPGen     IPGen      `yaml:"ip_gen" json:"ip_gen"`
	Templates []Template `yaml:"templates" json:"templates"`
}

// IPGen はクライアント/サーバのアドレスレンジ
type IPGen struct {
	ClientStart string `yaml:"client_start" json:"client_start" default:"16.0.0.1"`
	ClientEnd   string `yaml:"client_end" json:"client_end" default:"16.0.0.255"`
	ServerStart string `yaml:"server_start" json:"server_start" default:"48.0.0.1"`
	ServerEnd   string `yaml:"server_end" json:"server_end" default:"48.0.255.255"`
}

type Template struct {
	Name          string  `yaml:"name" json:"name"`
	Protocol      string  `yaml:"protocol" json:"protocol" default:"tcp"` // "tcp", "udp"
	Port          int     `yaml:"port" json:"port" default:"80"`
	CPS           float64 `yaml:"cps" json:"cps" default:"1"` // connections per second at multiplier 1
	RequestBytes  int     `yaml:"request_bytes" json:"request_bytes" default:"249"`
	ResponseBytes int     `yaml:"response_bytes" json:"response_bytes" default:"3000"`
}

// Rates are packets per second at multiplier 1.
type Rates struct {
	ClientPPS float64
	ServerPPS float64
}

// newSpec returns a Spec with default address ranges. Decoding on top of it
// keeps every value the file sets, zero included.
func newSpec() Spec {
	var s Spec
	defaults.SetDefaults(&s.IPGen)
	return s
}

// UnmarshalYAML fills defaults before decoding, so an explicit 0 payload
// stays 0.
func (t *Template) UnmarshalYAML(value *yaml.Node) error {
	type plain Template
	p := plain{}
	defaults.SetDefaults(&p)
	if err := value.Decode(&p); err != nil {
		return err
	}
	*t = Template(p)
	return nil
}

func (s *Spec) Validate() error {
	if len(s.Templates) == 0 {
		return fmt.Errorf("at least one template is required")
	}
	if err := validateRange("client", s.IPGen.ClientStart, s.IPGen.ClientEnd); err != nil {
		return err
	}
	if err := validateRange("server", s.IPGen.ServerStart, s.IPGen.ServerEnd); err != nil {
		return err
	}
	for i, t := range s.Templates {
		if t.Protocol != "tcp" && t.Protocol != "udp" {
			return fmt.Errorf("template %d: unsupported protocol %q", i, t.Protocol)
		}
		if t.Port <= 0 || t.Port > 65535 {
			return fmt.Errorf("template %d: port %d out of range", i, t.Port)
		}
		if t.CPS <= 0 {
			return fmt.Errorf("template %d: cps must be positive", i)
		}
		if t.RequestBytes < 0 || t.ResponseBytes < 0 {
			return fmt.Errorf("template %d: payload sizes must not be negative", i)
		}
	}
	return nil
}

func validateRange(side, start, end string) error {
	s, err := netip.ParseAddr(start)
	if err != nil {
		return fmt.Errorf("%s range start: %w", side, err)
	}
	e, err := netip.ParseAddr(end)
	if err != nil {
		return fmt.Errorf("%s range end: %w", side, err)
	}
	if s.Is4() != e.Is4() {
		return fmt.Errorf("%s range mixes address families", side)
	}
	if e.Less(s) {
		return fmt.Errorf("%s range end %s is before start %s", side, end, start)
	}
	return nil
}

// PacketsPerSecond estimates the packet rates the profile produces at
// multiplier 1. TCP flows count the handshake, teardown and delayed ACKs.
func (s *Spec) PacketsPerSecond() Rates {
	var r Rates
	for _, t := range s.Templates {
		req, resp := segments(t.RequestBytes), segments(t.ResponseBytes)
		var client, server float64
		switch t.Protocol {
		case "udp":
			client, server = req, resp
		default:
			client = 3 + req + ceilHalf(resp)
			server = 2 + resp + ceilHalf(req)
		}
		r.ClientPPS += client * t.CPS
		r.ServerPPS += server * t.CPS
	}
	return r
}

func segments(n int) float64 {
	if n <= 0 {
		return 0
	}
	return float64((n + mss - 1) / mss)
}

func ceilHalf(v float64) float64 {
	return float64((int(v) + 1) / 2)
}
