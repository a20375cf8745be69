package session

// Counters maps a counter name to its value.
type Counters map[string]uint64

// Snapshot is a point-in-time capture of the remote counters. The session
// only ever hands out copies, so a Snapshot can be kept and compared freely.
type Snapshot struct {
	Total   Counters            `json:"total"`
	Traffic map[string]Counters `json:"traffic"` // "client", "server"
	Ports   map[string]Counters `json:"ports,omitempty"`
}

const (
	SideClient = "client"
	SideServer = "server"
)

const (
	CounterIPackets   = "ipackets"
	CounterOPackets   = "opackets"
	CounterIBytes     = "ibytes"
	CounterOBytes     = "obytes"
	CounterTCPSndPack = "tcps_sndpack"
	CounterTCPRcvPack = "tcps_rcvpack"
)

// Received is total.ipackets.
func (s Snapshot) Received() uint64 { return s.Total[CounterIPackets] }

// Sent is total.opackets.
func (s Snapshot) Sent() uint64 { return s.Total[CounterOPackets] }

// TrafficCounter returns traffic.<side>.<name>, or 0 when absent.
func (s Snapshot) TrafficCounter(side, name string) uint64 {
	return s.Traffic[side][name]
}

func (s Snapshot) Clone() Snapshot {
	return Snapshot{
		Total:   s.Total.clone(),
		Traffic: cloneGroup(s.Traffic),
		Ports:   cloneGroup(s.Ports),
	}
}

func (c Counters) clone() Counters {
	if c == nil {
		return Counters{}
	}
	out := make(Counters, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

func cloneGroup(g map[string]Counters) map[string]Counters {
	if g == nil {
		return nil
	}
	out := make(map[string]Counters, len(g))
	for k, c := range g {
		out[k] = c.clone()
	}
	return out
}
