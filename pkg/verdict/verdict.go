// Package verdict decides whether a completed run met its traffic
// thresholds. A failed verdict is a test result, not a session error.
package verdict

import (
	"fmt"
	"math"
	"strings"

	"go.uber.org/multierr"

	"github.com/takehaya/astfctl/pkg/session"
)

const (
	CheckRxFloor      = "rx-floor"
	CheckPacketLoss   = "packet-loss"
	CheckTCPClientToS = "tcp-client-to-server"
	CheckTCPServerToC = "tcp-server-to-client"
)

type Criteria struct {
	MinRxPackets        uint64  `yaml:"min_rx_packets" envconfig:"MIN_RX_PACKETS" default:"100"`
	MinRxRatio          float64 `yaml:"min_rx_ratio" envconfig:"MIN_RX_RATIO" default:"0.99"`
	MinTCPDeliveryRatio float64 `yaml:"min_tcp_delivery_ratio" envconfig:"MIN_TCP_DELIVERY_RATIO" default:"0.9"`
}

func DefaultCriteria() Criteria {
	return Criteria{
		MinRxPackets:        100,
		MinRxRatio:          0.99,
		MinTCPDeliveryRatio: 0.9,
	}
}

func (c Criteria) Validate() error {
	if math.IsNaN(c.MinRxRatio) || c.MinRxRatio < 0 || c.MinRxRatio > 1 {
		return fmt.Errorf("min rx ratio must be within [0, 1], got %v", c.MinRxRatio)
	}
	if math.IsNaN(c.MinTCPDeliveryRatio) || c.MinTCPDeliveryRatio < 0 || c.MinTCPDeliveryRatio > 1 {
		return fmt.Errorf("min tcp delivery ratio must be within [0, 1], got %v", c.MinTCPDeliveryRatio)
	}
	return nil
}

type Failure struct {
	Check   string `json:"check"`
	Message string `json:"message"`
}

func (f Failure) Error() string { return f.Message }

type Report struct {
	Passed   bool      `json:"passed"`
	Failures []Failure `json:"failures,omitempty"`
}

// Err returns nil when the report passed and the combined failures otherwise.
func (r Report) Err() error {
	var err error
	for _, f := range r.Failures {
		err = multierr.Append(err, f)
	}
	return err
}

// Reason joins the failure messages.
func (r Report) Reason() string {
	msgs := make([]string, len(r.Failures))
	for i, f := range r.Failures {
		msgs[i] = f.Message
	}
	return strings.Join(msgs, "; ")
}

// Evaluate runs every check against snap and reports all violations.
func (c Criteria) Evaluate(snap session.Snapshot) Report {
	var failures []Failure
	fail := func(check, format string, args ...interface{}) {
		failures = append(failures, Failure{Check: check, Message: fmt.Sprintf(format, args...)})
	}

	sent, recv := snap.Sent(), snap.Received()
	if recv < c.MinRxPackets {
		fail(CheckRxFloor, "too few packets received (%d, floor %d)", recv, c.MinRxPackets)
	}
	if !atLeast(recv, c.MinRxRatio, sent) {
		fail(CheckPacketLoss, "too many packets lost (sent: %d, recv: %d)", sent, recv)
	}

	clientSent := snap.TrafficCounter(session.SideClient, session.CounterTCPSndPack)
	serverRecv := snap.TrafficCounter(session.SideServer, session.CounterTCPRcvPack)
	if !atLeast(serverRecv, c.MinTCPDeliveryRatio, clientSent) {
		fail(CheckTCPClientToS, "too many TCP drops - clients sent: %d, servers received: %d", clientSent, serverRecv)
	}

	serverSent := snap.TrafficCounter(session.SideServer, session.CounterTCPSndPack)
	clientRecv := snap.TrafficCounter(session.SideClient, session.CounterTCPRcvPack)
	if !atLeast(clientRecv, c.MinTCPDeliveryRatio, serverSent) {
		fail(CheckTCPServerToC, "too many TCP drops - servers sent: %d, clients received: %d", serverSent, clientRecv)
	}

	return Report{Passed: len(failures) == 0, Failures: failures}
}

// atLeast reports got >= ratio*of.
func atLeast(got uint64, ratio float64, of uint64) bool {
	return float64(got) >= ratio*float64(of)
}
