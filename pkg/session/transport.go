package session

import (
	"context"
	"time"

	"github.com/takehaya/astfctl/pkg/profile"
)

type PortID int

// ServerInfo is returned by the transport handshake.
type ServerInfo struct {
	Version  string
	Hostname string
	Ports    int
}

type StartParams struct {
	Multiplier float64
	Duration   time.Duration
	NoClose    bool
}

// TrafficStatus is one poll of the remote run state.
type TrafficStatus struct {
	Running  bool
	Warnings []string
}

// Transport is the set of remote operations a Session needs. Implementations
// should return *Error values (see NewError) when they can classify a
// failure; unclassified errors are tagged by the session.
type Transport interface {
	Connect(ctx context.Context) (ServerInfo, error)
	Acquire(ctx context.Context, force bool) ([]PortID, error)
	Release(ctx context.Context, ports []PortID) error
	LoadProfile(ctx context.Context, p *profile.Profile) error
	ClearStats(ctx context.Context) error
	Start(ctx context.Context, params StartParams) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) (TrafficStatus, error)
	Stats(ctx context.Context) (Snapshot, error)
	Close() error
}
