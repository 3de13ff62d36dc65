// Package resolve turns per-bubble measurements into one answer per question.
package resolve

import (
	"sort"

	"omr-scanner/internal/bubble"
)

// ConfidenceGate is the minimum confidence a filled bubble needs to count
// as a mark. It is fixed product policy.
const ConfidenceGate = 0.8

// Status explains how a question was resolved.
type Status int

const (
	// StatusBlank means no bubble was filled.
	StatusBlank Status = iota
	// StatusAnswered means exactly one bubble qualified.
	StatusAnswered
	// StatusMultipleMarks means several bubbles qualified and the darkest won.
	StatusMultipleMarks
	// StatusLowConfidence means bubbles were filled but none passed the gate.
	StatusLowConfidence
)

func (s Status) String() string {
	switch s {
	case StatusAnswered:
		return "answered"
	case StatusMultipleMarks:
		return "multiple_marks"
	case StatusLowConfidence:
		return "low_confidence"
	default:
		return "blank"
	}
}

// MarshalText encodes the status as its string form.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Resolution is the answer chosen for one question. Option is empty when
// no answer was selected.
type Resolution struct {
	Option string
	Status Status
}

// Answered reports whether an option was selected.
func (r Resolution) Answered() bool {
	return r.Option != ""
}

// Qualifies reports whether a bubble counts as a deliberate mark.
func Qualifies(r bubble.Result) bool {
	return r.IsFilled && r.Confidence >= ConfidenceGate
}

// Resolve picks at most one option. Among several qualifying marks the
// darkest wins; equal darkness goes to the first option in lexical order.
func Resolve(results map[string]bubble.Result) Resolution {
	options := make([]string, 0, len(results))
	for opt := range results {
		options = append(options, opt)
	}
	sort.Strings(options)

	var (
		best       string
		bestScore  float64
		qualifying int
		anyFilled  bool
	)
	for _, opt := range options {
		r := results[opt]
		if r.IsFilled {
			anyFilled = true
		}
		if !Qualifies(r) {
			continue
		}
		qualifying++
		if qualifying == 1 || r.DarknessScore > bestScore {
			best, bestScore = opt, r.DarknessScore
		}
	}

	switch {
	case qualifying == 1:
		return Resolution{Option: best, Status: StatusAnswered}
	case qualifying > 1:
		return Resolution{Option: best, Status: StatusMultipleMarks}
	case anyFilled:
		return Resolution{Status: StatusLowConfidence}
	default:
		return Resolution{Status: StatusBlank}
	}
}

// ResolveAll resolves every question.
func ResolveAll(results map[int]map[string]bubble.Result) map[int]Resolution {
	out := make(map[int]Resolution, len(results))
	for q, opts := range results {
		out[q] = Resolve(opts)
	}
	return out
}
