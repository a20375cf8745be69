package astfctl

import (
	"io"
	"sort"
	"strings"

	"golang.org/x/text/message"

	"github.com/takehaya/astfctl/pkg/results"
	"github.com/takehaya/astfctl/pkg/session"
)

func newPrinter() *message.Printer {
	return message.NewPrinter(message.MatchLanguage("en"))
}

// PrintOutcome renders the counters, warnings and verdict of a completed run.
func PrintOutcome(w io.Writer, out *Outcome) {
	p := newPrinter()
	snap := out.Snapshot

	p.Fprintf(w, "server %s, profile %s, mult %.2f, duration %s\n",
		out.Server, out.Profile, out.Params.Multiplier, out.Params.Duration)
	p.Fprintf(w, "%-8s %15s %15s\n", "", "sent", "received")
	p.Fprintf(w, "%-8s %15d %15d\n", "total", snap.Sent(), snap.Received())
	for _, side := range []string{session.SideClient, session.SideServer} {
		p.Fprintf(w, "%-8s %15d %15d\n", side,
			snap.TrafficCounter(side, session.CounterTCPSndPack),
			snap.TrafficCounter(side, session.CounterTCPRcvPack))
	}

	if len(snap.Ports) > 0 {
		ids := make([]string, 0, len(snap.Ports))
		for id := range snap.Ports {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			c := snap.Ports[id]
			p.Fprintf(w, "port %-3s %15d %15d\n", id, c[session.CounterOPackets], c[session.CounterIPackets])
		}
	}

	if len(out.Warnings) > 0 {
		p.Fprintf(w, "\n*** test had warnings ***\n")
		for _, warn := range out.Warnings {
			p.Fprintf(w, "  - %s\n", warn)
		}
	}

	if out.Report.Passed {
		p.Fprintf(w, "\nTest has passed :-)\n")
		return
	}
	p.Fprintf(w, "\nTest has failed :-(\n")
	for _, f := range out.Report.Failures {
		p.Fprintf(w, "  [%s] %s\n", f.Check, f.Message)
	}
}

// PrintHistory lists stored runs, newest first.
func PrintHistory(w io.Writer, recs []results.Record) {
	p := newPrinter()
	if len(recs) == 0 {
		p.Fprintf(w, "no runs recorded\n")
		return
	}
	p.Fprintf(w, "%-36s  %-20s  %-6s  %-16s  %8s  %13s  %13s\n",
		"ID", "STARTED", "RESULT", "SERVER", "MULT", "TX", "RX")
	for _, r := range recs {
		p.Fprintf(w, "%-36s  %-20s  %-6s  %-16s  %8.2f  %13d  %13d\n",
			r.ID, r.StartedAt.UTC().Format("2006-01-02T15:04:05Z"), resultOf(r),
			r.Server, r.Multiplier, r.TxPackets, r.RxPackets)
		if r.Error != "" {
			p.Fprintf(w, "    error: %s\n", r.Error)
		}
		if len(r.Failures) > 0 {
			p.Fprintf(w, "    %s\n", strings.Join(r.Failures, "; "))
		}
	}
}

func resultOf(r results.Record) string {
	switch {
	case r.Error != "":
		return "error"
	case r.Passed:
		return "pass"
	default:
		return "fail"
	}
}
