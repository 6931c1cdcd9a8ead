package sched

import (
	"github.com/google/pprof/profile"

	"vsta/internal/defs"
)

// classCounts totals the scheduler's per-class occupancy: count of
// currently-runnable threads and, for the timeshare class, the sum of the
// queued threads' remaining quanta (RunTicks); the FIFO classes report zero
// run ticks. Keyed by the human name of the class.
type classCounts struct {
	name     string
	nrun     int64
	runTicks int64
}

// Snapshot renders the scheduler's current per-class occupancy as a
// pprof profile.Profile, giving an operator a standard pprof-viewable
// picture of lottery fairness (spec.md §8's testable "over N dispatches
// the ratio tends to the priority ratio" property is exactly what this
// makes visible across a long run).
func (s *Scheduler) Snapshot() *profile.Profile {
	s.mu.Lock()
	counts := []classCounts{
		{name: "realtime", nrun: int64(len(s.rt))},
		{name: "cheated", nrun: int64(len(s.cheated))},
		{name: "background", nrun: int64(len(s.bg))},
	}
	counts = append(counts, timeshareCounts(s.root)...)
	s.mu.Unlock()

	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "nrun", Unit: "count"},
			{Type: "runticks", Unit: "ticks"},
		},
		PeriodType: &profile.ValueType{Type: "dispatch", Unit: "count"},
		Period:     1,
	}

	for i, c := range counts {
		fn := &profile.Function{ID: uint64(i + 1), Name: "sched." + c.name}
		loc := &profile.Location{ID: uint64(i + 1), Line: []profile.Line{{Function: fn, Line: 1}}}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{c.nrun, c.runTicks},
			Label:    map[string][]string{"class": {c.name}},
		})
	}
	return p
}

func timeshareCounts(n *Node) []classCounts {
	if n.leaf {
		if n.thread == nil {
			return nil
		}
		return []classCounts{{
			name:     "timeshare",
			nrun:     int64(n.nrun),
			runTicks: int64(n.thread.RunTicks),
		}}
	}
	var out []classCounts
	for _, c := range n.children {
		out = append(out, timeshareCounts(c)...)
	}
	return out
}

// classString is a small helper kept for diagnostics callers that want a
// human label for a defs.Class without duplicating the switch.
func classString(c defs.Class) string {
	switch c {
	case defs.ClassRT:
		return "realtime"
	case defs.ClassBG:
		return "background"
	case defs.ClassCheated:
		return "cheated"
	case defs.ClassEphemeral:
		return "ephemeral"
	default:
		return "timeshare"
	}
}
