package scan

import (
	"omr-scanner/internal/anchor"
	"omr-scanner/internal/bubble"
	"omr-scanner/internal/mapper"
	"omr-scanner/internal/resolve"
)

// TaskKind identifies an offloaded task.
type TaskKind int

const (
	TaskDetect TaskKind = iota
	TaskAnalyze
)

func (k TaskKind) String() string {
	if k == TaskDetect {
		return "detect"
	}
	return "analyze"
}

// TaskResult is delivered when an offloaded task finishes.
type TaskResult struct {
	Kind TaskKind

	// Status and Detection are set by detection tasks.
	Status    anchor.Status
	Detection *anchor.Result

	// Mapping is set when the task positioned bubbles.
	Mapping *mapper.Result

	// Analysis is set when the task analyzed bubbles.
	Analysis *Analysis

	Message string
	Err     error
}

// OK reports whether the task completed and, for detection, found enough anchors.
func (r TaskResult) OK() bool {
	if r.Err != nil {
		return false
	}
	if r.Kind == TaskDetect {
		return r.Detection != nil && r.Detection.OK()
	}
	return true
}

// Analysis is one complete analysis pass at a fixed threshold. It is
// replaced as a whole and never modified after publication.
type Analysis struct {
	Threshold float64
	Results   map[int]map[string]bubble.Result
	Answers   map[int]resolve.Resolution
}

func failed(kind TaskKind, err error) <-chan TaskResult {
	ch := make(chan TaskResult, 1)
	ch <- TaskResult{Kind: kind, Err: err, Message: err.Error()}
	close(ch)
	return ch
}
