// Package scan runs the scan pipeline for one answer sheet: anchor
// detection, bubble positioning, bubble analysis and answer resolution.
package scan

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"omr-scanner/internal/anchor"
	"omr-scanner/internal/bubble"
	"omr-scanner/internal/config"
	omrimage "omr-scanner/internal/image"
	"omr-scanner/internal/layout"
	"omr-scanner/internal/logging"
	"omr-scanner/internal/mapper"
	"omr-scanner/internal/resolve"
	"omr-scanner/pkg/geometry"
)

var (
	ErrNoImage       = errors.New("no image loaded")
	ErrNoAnchors     = errors.New("anchors not detected")
	ErrNoLayout      = errors.New("no layout loaded")
	ErrNotAnalyzed   = errors.New("bubbles not analyzed")
	ErrUnknownBubble = errors.New("bubble not in layout")
	// ErrSuperseded is reported by a task whose results were discarded
	// because the session changed or a newer task started.
	ErrSuperseded = errors.New("task superseded")
)

// State is the pipeline stage a session has reached.
type State int

const (
	StateNoImage State = iota
	StateImageLoaded
	StateAnchorsDetected
	StateLayoutLoaded
	StateBubblesPositioned
	StateAnalyzed
)

func (s State) String() string {
	switch s {
	case StateImageLoaded:
		return "ImageLoaded"
	case StateAnchorsDetected:
		return "AnchorsDetected"
	case StateLayoutLoaded:
		return "LayoutLoaded"
	case StateBubblesPositioned:
		return "BubblesPositioned"
	case StateAnalyzed:
		return "Analyzed"
	default:
		return "NoImage"
	}
}

// Session holds the pipeline state for one scanned sheet.
type Session struct {
	mu sync.RWMutex

	cfg      config.Config
	detector *anchor.Detector
	analyzer *bubble.Analyzer
	runner   Runner

	sheet       *omrimage.Sheet
	plane       *bubble.Plane
	detection   *anchor.Result
	doc         *layout.Document
	mapping     *mapper.Result
	corrections mapper.Positions
	analysis    *Analysis

	// detecting is set while the detection submitted as detectSeq has not
	// committed or returned. A threshold change leaves it to that task.
	detectSeq uint64
	detecting bool
	// detectHook runs between detection and commit. Tests only.
	detectHook func()

	listeners map[EventType][]EventListener
}

// NewSession creates an empty session.
func NewSession(cfg config.Config) *Session {
	return &Session{
		cfg:         cfg,
		detector:    anchor.NewDetector(cfg.Anchor),
		analyzer:    bubble.NewAnalyzer(cfg.Analysis).WithWorkers(cfg.WorkerCount()),
		corrections: make(mapper.Positions),
		listeners:   make(map[EventType][]EventListener),
	}
}

// State returns the current pipeline stage.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	switch {
	case s.sheet == nil:
		return StateNoImage
	case s.detection == nil || !s.detection.OK():
		return StateImageLoaded
	case s.doc == nil:
		return StateAnchorsDetected
	case s.mapping == nil:
		return StateLayoutLoaded
	case s.analysis == nil:
		return StateBubblesPositioned
	default:
		return StateAnalyzed
	}
}

// Threshold returns the current fill threshold.
func (s *Session) Threshold() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.analyzer.Config().FilledThreshold
}

// LoadImage loads a scan from disk. On error the session is unchanged.
func (s *Session) LoadImage(path string) error {
	s.mu.RLock()
	dpi := s.cfg.Loader.PDFDPI
	s.mu.RUnlock()

	sheet, err := omrimage.Load(path, dpi)
	if err != nil {
		return fmt.Errorf("load image: %w", err)
	}
	s.setSheet(sheet)
	return nil
}

// SetImage installs an in-memory image.
func (s *Session) SetImage(img image.Image) error {
	if img == nil || img.Bounds().Empty() {
		return fmt.Errorf("set image: %w", ErrNoImage)
	}
	s.setSheet(omrimage.NewSheet(img))
	return nil
}

// setSheet replaces the image and drops everything derived from the old
// one. The layout is kept.
func (s *Session) setSheet(sheet *omrimage.Sheet) {
	plane := bubble.NewPlane(sheet.Image)
	s.runner.Cancel()

	s.mu.Lock()
	s.runner.Invalidate()
	s.sheet = sheet
	s.plane = plane
	s.detection = nil
	s.mapping = nil
	s.corrections = make(mapper.Positions)
	s.analysis = nil
	s.mu.Unlock()

	logging.For(logging.ComponentScanner).Info("image loaded", "sheet", sheet.Describe())
	s.emit(EventImageLoaded, sheet)
}

// DetectAnchors runs anchor detection off the caller's goroutine. When a
// layout is already loaded and detection succeeds, bubbles are positioned
// and analyzed in the same task, at whatever threshold is current when the
// task commits.
func (s *Session) DetectAnchors(ctx context.Context) <-chan TaskResult {
	s.mu.Lock()
	sheet := s.sheet
	if sheet == nil {
		s.mu.Unlock()
		return failed(TaskDetect, ErrNoImage)
	}
	s.detectSeq++
	seq := s.detectSeq
	s.detecting = true
	s.mu.Unlock()

	return s.runner.Submit(ctx, TaskDetect, func(ctx context.Context, gen uint64) TaskResult {
		defer s.detectDone(seq)
		return s.detect(ctx, gen, seq, sheet)
	}, s.deliver)
}

func (s *Session) detect(ctx context.Context, gen, seq uint64, sheet *omrimage.Sheet) TaskResult {
	log := logging.For(logging.ComponentScanner)

	det := s.detector.Detect(sheet.Image)
	res := TaskResult{Kind: TaskDetect, Status: det.Status, Detection: &det, Message: det.Message}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	s.mu.RLock()
	doc, corrections, analyzer, plane := s.doc, s.corrections.Clone(), s.analyzer, s.plane
	s.mu.RUnlock()

	if det.OK() && doc != nil {
		mapping := position(doc, det.Anchors, corrections)
		res.Mapping = &mapping
	}
	if s.detectHook != nil {
		s.detectHook()
	}

	for {
		if res.Mapping != nil && (res.Analysis == nil || res.Analysis.Threshold != analyzer.Config().FilledThreshold) {
			analysis, err := analyze(ctx, analyzer, plane, res.Mapping.Positions)
			if err != nil {
				res.Err = err
				return res
			}
			res.Analysis = analysis
		}

		s.mu.Lock()
		if !s.runner.Current(gen) || s.sheet != sheet {
			s.mu.Unlock()
			res.Err = ErrSuperseded
			return res
		}
		if res.Mapping != nil && s.analyzer != analyzer {
			// The threshold changed while this task ran.
			analyzer = s.analyzer
			s.mu.Unlock()
			continue
		}
		s.detection = &det
		s.mapping = res.Mapping
		s.analysis = res.Analysis
		if s.detectSeq == seq {
			s.detecting = false
		}
		s.mu.Unlock()
		break
	}

	log.Info("anchor detection complete", "status", det.Status, "found", len(det.Anchors), "message", det.Message)
	return res
}

func (s *Session) detectDone(seq uint64) {
	s.mu.Lock()
	if s.detectSeq == seq {
		s.detecting = false
	}
	s.mu.Unlock()
}

// LoadLayout loads and validates an .omr file. On error the previous
// layout is kept.
func (s *Session) LoadLayout(path string) error {
	doc, err := layout.Load(path)
	if err != nil {
		return fmt.Errorf("load layout: %w", err)
	}
	return s.SetLayout(doc)
}

// SetLayout installs a layout. Positions, corrections and analysis derived
// from the previous layout are dropped.
func (s *Session) SetLayout(doc *layout.Document) error {
	if doc == nil {
		return fmt.Errorf("set layout: %w", ErrNoLayout)
	}
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("set layout: %w", err)
	}
	s.runner.Cancel()

	s.mu.Lock()
	s.runner.Invalidate()
	s.doc = doc
	s.mapping = nil
	s.corrections = make(mapper.Positions)
	s.analysis = nil
	s.mu.Unlock()

	logging.For(logging.ComponentScanner).Info("layout loaded",
		"title", doc.Metadata.Title,
		"questions", len(doc.BubbleCoordinates),
		"bubbles", doc.BubbleCoordinates.Count())
	s.emit(EventLayoutLoaded, doc)
	return nil
}

// PositionBubbles maps the layout onto the detected anchors and applies
// manual corrections. Any earlier analysis is discarded.
func (s *Session) PositionBubbles() (mapper.Result, error) {
	s.runner.Cancel()

	s.mu.Lock()
	if err := s.requireAnchorsLocked(); err != nil {
		s.mu.Unlock()
		return mapper.Result{}, err
	}
	if s.doc == nil {
		s.mu.Unlock()
		return mapper.Result{}, ErrNoLayout
	}
	s.runner.Invalidate()
	mapping := position(s.doc, s.detection.Anchors, s.corrections)
	s.mapping = &mapping
	s.analysis = nil
	s.mu.Unlock()

	logging.For(logging.ComponentScanner).Info("bubbles positioned",
		"positioned", mapping.Positions.Count(),
		"unpositioned_questions", len(mapping.Unpositioned))
	s.emit(EventBubblesPositioned, mapping)
	return mapping, nil
}

// Analyze measures every positioned bubble and resolves answers off the
// caller's goroutine. The finished analysis replaces the previous one as
// a whole.
func (s *Session) Analyze(ctx context.Context) <-chan TaskResult {
	s.mu.RLock()
	err := s.requirePositionsLocked()
	s.mu.RUnlock()
	if err != nil {
		return failed(TaskAnalyze, err)
	}
	return s.runner.Submit(ctx, TaskAnalyze, s.analyzeTask, s.deliver)
}

func (s *Session) analyzeTask(ctx context.Context, gen uint64) TaskResult {
	res := TaskResult{Kind: TaskAnalyze}

	s.mu.RLock()
	if err := s.requirePositionsLocked(); err != nil {
		s.mu.RUnlock()
		res.Err = err
		return res
	}
	plane, positions, analyzer := s.plane, s.mapping.Positions.Clone(), s.analyzer
	s.mu.RUnlock()

	analysis, err := analyze(ctx, analyzer, plane, positions)
	if err != nil {
		res.Err = err
		return res
	}

	s.mu.Lock()
	if !s.runner.Current(gen) || s.analyzer != analyzer {
		s.mu.Unlock()
		res.Err = ErrSuperseded
		return res
	}
	s.analysis = analysis
	s.mu.Unlock()

	res.Analysis = analysis
	res.Message = fmt.Sprintf("analyzed %d questions at threshold %.2f", len(analysis.Results), analysis.Threshold)
	return res
}

// SetThreshold changes the fill threshold. Existing answers are
// invalidated and, when bubbles are positioned, recomputed. Detection and
// positioning are not repeated, and a detection still running is left to
// finish and analyze at the new threshold. The returned channel is nil
// when no analysis task was started for the change.
func (s *Session) SetThreshold(t float64) <-chan TaskResult {
	if err := config.ValidateThreshold(t); err != nil {
		return failed(TaskAnalyze, err)
	}

	s.mu.Lock()
	s.analyzer = s.analyzer.WithThreshold(t)
	s.cfg.Analysis.FilledThreshold = t
	s.analysis = nil
	detecting := s.detecting
	rerun := !detecting && s.requirePositionsLocked() == nil
	s.mu.Unlock()

	logging.For(logging.ComponentScanner).Debug("threshold changed",
		"threshold", t, "reanalyze", rerun, "detecting", detecting)
	if !rerun {
		return nil
	}
	return s.Analyze(context.Background())
}

// MoveBubble overrides the position of one bubble. The override survives
// re-positioning until a new image or layout is loaded, and never changes
// the layout document itself. The current analysis is discarded.
func (s *Session) MoveBubble(question int, option string, p geometry.Point2D) error {
	s.runner.Cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requirePositionsLocked(); err != nil {
		return err
	}
	if _, ok := s.doc.BubbleCoordinates[question][option]; !ok {
		return fmt.Errorf("%w: question %d option %q", ErrUnknownBubble, question, option)
	}

	s.runner.Invalidate()
	s.corrections.Set(question, option, p)
	mapping := position(s.doc, s.detection.Anchors, s.corrections)
	s.mapping = &mapping
	s.analysis = nil
	return nil
}

// CorrectedLayout returns a copy of the layout whose offsets reflect any
// manual corrections.
func (s *Session) CorrectedLayout() (*layout.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.doc == nil {
		return nil, ErrNoLayout
	}
	out := *s.doc
	if s.mapping == nil || s.detection == nil {
		out.BubbleCoordinates = s.doc.BubbleCoordinates.Clone()
		return &out, nil
	}
	out.BubbleCoordinates = mapper.Relativize(s.doc.BubbleCoordinates, s.mapping.Positions, s.detection.Anchors)
	return &out, nil
}

// Snapshot is a consistent copy of session state.
type Snapshot struct {
	State        State
	Sheet        *omrimage.Sheet
	Detection    *anchor.Result
	Layout       *layout.Document
	Positions    mapper.Positions
	Unpositioned map[int][]string
	Analysis     *Analysis
	Threshold    float64
}

// Snapshot returns the current state. Positions are copied; the sheet,
// layout and analysis are shared and must not be modified.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		State:     s.stateLocked(),
		Sheet:     s.sheet,
		Layout:    s.doc,
		Analysis:  s.analysis,
		Threshold: s.analyzer.Config().FilledThreshold,
	}
	if s.detection != nil {
		det := *s.detection
		snap.Detection = &det
	}
	if s.mapping != nil {
		snap.Positions = s.mapping.Positions.Clone()
		snap.Unpositioned = make(map[int][]string, len(s.mapping.Unpositioned))
		for q, opts := range s.mapping.Unpositioned {
			snap.Unpositioned[q] = append([]string(nil), opts...)
		}
	}
	return snap
}

// Close cancels and awaits the in-flight task.
func (s *Session) Close() {
	s.runner.Cancel()
}

// Wait blocks until the in-flight task has returned.
func (s *Session) Wait() {
	s.runner.Wait()
}

func (s *Session) requireAnchorsLocked() error {
	if s.sheet == nil {
		return ErrNoImage
	}
	if s.detection == nil || !s.detection.OK() {
		return ErrNoAnchors
	}
	return nil
}

func (s *Session) requirePositionsLocked() error {
	if err := s.requireAnchorsLocked(); err != nil {
		return err
	}
	if s.doc == nil {
		return ErrNoLayout
	}
	if s.mapping == nil {
		return fmt.Errorf("%w: bubbles not positioned", ErrNoLayout)
	}
	return nil
}

// deliver publishes task outcomes as events. Parts of a result that the
// session no longer holds were replaced by newer work and are not announced.
func (s *Session) deliver(res TaskResult) {
	log := logging.For(logging.ComponentScanner)
	switch {
	case errors.Is(res.Err, ErrSuperseded), errors.Is(res.Err, context.Canceled):
		log.Debug("task discarded", "kind", res.Kind, "reason", res.Err)
		return
	case res.Err != nil:
		log.Error("task failed", "kind", res.Kind, "error", res.Err)
		s.emit(EventTaskFailed, res.Err)
		return
	}
	if res.Detection != nil && s.holds(func() bool { return s.detection == res.Detection }) {
		s.emit(EventAnchorsDetected, *res.Detection)
	}
	if res.Mapping != nil && s.holds(func() bool { return s.mapping == res.Mapping }) {
		s.emit(EventBubblesPositioned, *res.Mapping)
	}
	if res.Analysis != nil && s.holds(func() bool { return s.analysis == res.Analysis }) {
		s.emit(EventAnalysisComplete, res.Analysis)
	} else if res.Analysis != nil {
		log.Debug("stale analysis not announced", "threshold", res.Analysis.Threshold)
	}
}

func (s *Session) holds(current func() bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return current()
}

// position maps the layout and overlays corrections.
func position(doc *layout.Document, anchors map[anchor.Name]anchor.Anchor, corrections mapper.Positions) mapper.Result {
	res := mapper.Map(doc.BubbleCoordinates, anchors)
	for q, opts := range corrections {
		for opt, p := range opts {
			res.Positions.Set(q, opt, p)
			res.Unpositioned[q] = removeOption(res.Unpositioned[q], opt)
			if len(res.Unpositioned[q]) == 0 {
				delete(res.Unpositioned, q)
			}
		}
	}
	return res
}

func removeOption(opts []string, opt string) []string {
	out := opts[:0:0]
	for _, o := range opts {
		if o != opt {
			out = append(out, o)
		}
	}
	return out
}

func analyze(ctx context.Context, a *bubble.Analyzer, plane *bubble.Plane, positions mapper.Positions) (*Analysis, error) {
	results, err := a.AnalyzeAll(ctx, plane, positions)
	if err != nil {
		return nil, err
	}
	return &Analysis{
		Threshold: a.Config().FilledThreshold,
		Results:   results,
		Answers:   resolve.ResolveAll(results),
	}, nil
}
