package scan

import (
	"encoding/json"
	"strconv"

	"omr-scanner/internal/bubble"
)

// StatusUnpositioned marks a question none of whose bubbles could be placed.
const StatusUnpositioned = "unpositioned"

// Output is the pipeline result handed to grading. Every layout question
// appears in Answers; a nil answer means no selection, and Statuses says why.
type Output struct {
	Answers      map[string]*string                  `json:"answers"`
	Results      map[string]map[string]bubble.Result `json:"results"`
	Statuses     map[string]string                   `json:"statuses,omitempty"`
	Unpositioned map[string][]string                 `json:"unpositioned,omitempty"`
	Threshold    float64                             `json:"threshold"`
}

// Output builds the result of the latest analysis.
func (s *Session) Output() (Output, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.analysis == nil {
		if err := s.requirePositionsLocked(); err != nil {
			return Output{}, err
		}
		return Output{}, ErrNotAnalyzed
	}

	a := s.analysis
	out := Output{
		Answers:   make(map[string]*string, len(s.doc.BubbleCoordinates)),
		Results:   make(map[string]map[string]bubble.Result, len(a.Results)),
		Statuses:  make(map[string]string, len(s.doc.BubbleCoordinates)),
		Threshold: a.Threshold,
	}
	for _, q := range s.doc.BubbleCoordinates.QuestionIDs() {
		key := strconv.Itoa(q)
		res, ok := a.Answers[q]
		if !ok {
			out.Answers[key] = nil
			out.Statuses[key] = StatusUnpositioned
			continue
		}
		if res.Answered() {
			opt := res.Option
			out.Answers[key] = &opt
		} else {
			out.Answers[key] = nil
		}
		out.Statuses[key] = res.Status.String()
	}
	for q, opts := range a.Results {
		m := make(map[string]bubble.Result, len(opts))
		for opt, r := range opts {
			m[opt] = r
		}
		out.Results[strconv.Itoa(q)] = m
	}
	if s.mapping != nil && len(s.mapping.Unpositioned) > 0 {
		out.Unpositioned = make(map[string][]string, len(s.mapping.Unpositioned))
		for q, opts := range s.mapping.Unpositioned {
			out.Unpositioned[strconv.Itoa(q)] = append([]string(nil), opts...)
		}
	}
	return out, nil
}

// Answer returns the selected option for a question, or "" when blank.
func (o Output) Answer(question int) string {
	if a := o.Answers[strconv.Itoa(question)]; a != nil {
		return *a
	}
	return ""
}

// JSON encodes the output, indented when pretty is set.
func (o Output) JSON(pretty bool) ([]byte, error) {
	if pretty {
		return json.MarshalIndent(o, "", "  ")
	}
	return json.Marshal(o)
}

// Blank reports the questions left without an answer and why.
func (o Output) Blank() map[string]string {
	out := make(map[string]string)
	for q, a := range o.Answers {
		if a == nil {
			out[q] = o.Statuses[q]
		}
	}
	return out
}

