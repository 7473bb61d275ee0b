package engine

import (
	"fmt"
	"strings"
)

type ConflictPolicy int

const (
	Overwrite ConflictPolicy = iota
	Skip
	Rename
)

func ParseConflictPolicy(v string) (ConflictPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "overwrite":
		return Overwrite, nil
	case "skip":
		return Skip, nil
	case "rename":
		return Rename, nil
	default:
		return Overwrite, fmt.Errorf("unknown conflict policy %q", v)
	}
}

func (p ConflictPolicy) String() string {
	switch p {
	case Overwrite:
		return "overwrite"
	case Skip:
		return "skip"
	case Rename:
		return "rename"
	default:
		return fmt.Sprintf("ConflictPolicy(%d)", int(p))
	}
}

type Status int

const (
	Succeeded Status = iota
	Skipped
	Failed
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

type FailureKind int

const (
	FailNone FailureKind = iota
	FailCorrupt
	FailIO
	FailDestinationConflict
	FailAborted
)

func (k FailureKind) String() string {
	switch k {
	case FailNone:
		return ""
	case FailCorrupt:
		return "corrupt"
	case FailIO:
		return "io error"
	case FailDestinationConflict:
		return "destination conflict"
	case FailAborted:
		return "aborted"
	default:
		return fmt.Sprintf("FailureKind(%d)", int(k))
	}
}

const (
	ReasonExists    = "exists"
	ReasonCancelled = "cancelled"
)

// Outcome is the terminal result for one entry of a job.
type Outcome struct {
	Entry  string
	Status Status
	// Bytes is the number of bytes written for Succeeded entries.
	Bytes int64
	// Reason explains a Skipped entry.
	Reason string
	Kind   FailureKind
	Err    error
	// Destination is where the entry ended up, when it was written.
	Destination string
}

func succeeded(entry, dest string, n int64) Outcome {
	return Outcome{Entry: entry, Status: Succeeded, Bytes: n, Destination: dest}
}

func skipped(entry, reason string) Outcome {
	return Outcome{Entry: entry, Status: Skipped, Reason: reason}
}

func failed(entry string, kind FailureKind, err error) Outcome {
	return Outcome{Entry: entry, Status: Failed, Kind: kind, Err: err}
}

func (o Outcome) String() string {
	switch o.Status {
	case Succeeded:
		return fmt.Sprintf("%s: succeeded (%d bytes)", o.Entry, o.Bytes)
	case Skipped:
		return fmt.Sprintf("%s: skipped (%s)", o.Entry, o.Reason)
	default:
		if o.Err != nil {
			return fmt.Sprintf("%s: failed (%s): %v", o.Entry, o.Kind, o.Err)
		}
		return fmt.Sprintf("%s: failed (%s)", o.Entry, o.Kind)
	}
}

// Report aggregates the outcomes of a finished job in plan order.
type Report struct {
	Job       uint64
	Outcomes  []Outcome
	Cancelled bool
	// Aborted is set when an unrecoverable destination failure stopped the
	// remaining entries from starting.
	Aborted bool
}

type Summary struct {
	Succeeded int
	Skipped   int
	Failed    int
	Bytes     int64
}

func (r Report) Summary() Summary {
	var s Summary
	for _, o := range r.Outcomes {
		switch o.Status {
		case Succeeded:
			s.Succeeded++
			s.Bytes += o.Bytes
		case Skipped:
			s.Skipped++
		case Failed:
			s.Failed++
		}
	}
	return s
}

func (s Summary) String() string {
	return fmt.Sprintf("%d succeeded, %d skipped, %d failed", s.Succeeded, s.Skipped, s.Failed)
}

type EventKind int

const (
	EventProgress EventKind = iota
	EventOutcome
	EventDone
)

// Event is delivered on Job.Events. Progress events for an entry carry a
// strictly increasing Written count.
type Event struct {
	Kind    EventKind
	Job     uint64
	Entry   string
	Written int64
	Total   int64
	Outcome Outcome
	// Report is set on the final EventDone.
	Report *Report
}
