package scan

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"omr-scanner/internal/anchor"
	"omr-scanner/internal/bubble"
	"omr-scanner/internal/config"
	omrimage "omr-scanner/internal/image"
	"omr-scanner/internal/layout"
	"omr-scanner/internal/resolve"
	"omr-scanner/pkg/geometry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineEndToEnd(t *testing.T) {
	doc := testLayout(t, 6)
	s := NewSession(config.Default())
	defer s.Close()
	assert.Equal(t, StateNoImage, s.State())

	require.NoError(t, s.SetImage(renderSheet(doc, standardMarks())))
	assert.Equal(t, StateImageLoaded, s.State())

	det := await(t, s.DetectAnchors(context.Background()))
	require.NoError(t, det.Err)
	assert.Equal(t, anchor.StatusSuccess, det.Status)
	assert.Nil(t, det.Analysis)
	assert.Equal(t, StateAnchorsDetected, s.State())

	require.NoError(t, s.SetLayout(doc))
	assert.Equal(t, StateLayoutLoaded, s.State())

	mapping, err := s.PositionBubbles()
	require.NoError(t, err)
	assert.Equal(t, 24, mapping.Positions.Count())
	assert.Empty(t, mapping.Unpositioned)
	assert.Equal(t, StateBubblesPositioned, s.State())

	res := await(t, s.Analyze(context.Background()))
	require.NoError(t, res.Err)
	require.NotNil(t, res.Analysis)
	assert.Equal(t, StateAnalyzed, s.State())

	out, err := s.Output()
	require.NoError(t, err)
	assert.Equal(t, "A", out.Answer(1))
	assert.Equal(t, "B", out.Answer(2))
	assert.Nil(t, out.Answers["3"])
	assert.Equal(t, "blank", out.Statuses["3"])
	assert.Equal(t, "D", out.Answer(4))
	assert.Equal(t, "multiple_marks", out.Statuses["4"])
	assert.Nil(t, out.Answers["5"])
	assert.Len(t, out.Answers, 6)
	assert.True(t, out.Results["1"]["A"].IsFilled)
	assert.False(t, out.Results["1"]["B"].IsFilled)

	data, err := out.JSON(false)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "answers")
	assert.Contains(t, decoded, "results")
	assert.Nil(t, decoded["answers"].(map[string]any)["3"])
	bubble := decoded["results"].(map[string]any)["1"].(map[string]any)["A"].(map[string]any)
	assert.Equal(t, true, bubble["is_filled"])
	assert.Contains(t, bubble, "darkness_score")
	assert.Contains(t, bubble, "confidence")
}

func TestLayoutBeforeAnchorsRunsWholePipeline(t *testing.T) {
	doc := testLayout(t, 5)
	s := NewSession(config.Default())
	defer s.Close()

	require.NoError(t, s.SetLayout(doc))
	assert.Equal(t, StateNoImage, s.State())
	require.NoError(t, s.SetImage(renderSheet(doc, standardMarks())))

	res := await(t, s.DetectAnchors(context.Background()))
	require.NoError(t, res.Err)
	require.NotNil(t, res.Mapping)
	require.NotNil(t, res.Analysis)
	assert.Equal(t, StateAnalyzed, s.State())
	assert.Equal(t, resolve.Resolution{Option: "A", Status: resolve.StatusAnswered}, res.Analysis.Answers[1])
}

func TestThresholdChangeReanalyzesOnly(t *testing.T) {
	doc := testLayout(t, 5)
	s := NewSession(config.Default())
	defer s.Close()

	var detections, positionings, analyses atomic.Int32
	s.On(EventAnchorsDetected, func(interface{}) { detections.Add(1) })
	s.On(EventBubblesPositioned, func(interface{}) { positionings.Add(1) })
	s.On(EventAnalysisComplete, func(interface{}) { analyses.Add(1) })

	require.NoError(t, s.SetLayout(doc))
	require.NoError(t, s.SetImage(renderSheet(doc, standardMarks())))
	require.NoError(t, await(t, s.DetectAnchors(context.Background())).Err)

	out, err := s.Output()
	require.NoError(t, err)
	assert.Equal(t, "", out.Answer(5))
	assert.Equal(t, 0.3, out.Threshold)

	res := await(t, s.SetThreshold(0.2))
	require.NoError(t, res.Err)
	assert.Equal(t, 0.2, res.Analysis.Threshold)

	out, err = s.Output()
	require.NoError(t, err)
	assert.Equal(t, "A", out.Answer(5))
	assert.Equal(t, 0.2, s.Threshold())

	assert.Equal(t, int32(1), detections.Load())
	assert.Equal(t, int32(1), positionings.Load())
	assert.Equal(t, int32(2), analyses.Load())
}

func TestSetThresholdWithoutPositions(t *testing.T) {
	s := NewSession(config.Default())
	defer s.Close()

	assert.Nil(t, s.SetThreshold(0.4))
	assert.Equal(t, 0.4, s.Threshold())

	res := await(t, s.SetThreshold(1.5))
	assert.Error(t, res.Err)
	assert.Equal(t, 0.4, s.Threshold())
}

func TestDetectionFailureKeepsImageLoaded(t *testing.T) {
	doc := testLayout(t, 3)
	s := NewSession(config.Default())
	defer s.Close()

	require.NoError(t, s.SetImage(renderSheet(doc, nil, anchor.TopRight, anchor.BottomLeft)))
	res := await(t, s.DetectAnchors(context.Background()))
	require.NoError(t, res.Err)
	assert.Equal(t, anchor.StatusFailure, res.Status)
	assert.False(t, res.OK())
	assert.Equal(t, StateImageLoaded, s.State())

	require.NoError(t, s.SetLayout(doc))
	_, err := s.PositionBubbles()
	assert.ErrorIs(t, err, ErrNoAnchors)

	// Retry with a good image without recreating the session.
	require.NoError(t, s.SetImage(renderSheet(doc, nil)))
	res = await(t, s.DetectAnchors(context.Background()))
	assert.True(t, res.OK())
	assert.Equal(t, StateAnalyzed, s.State())
}

func TestPartialAnchorsAndManualPlacement(t *testing.T) {
	doc := testLayout(t, 3)

	// Tie question 2 to the bottom_right anchor.
	br := doc.AlignmentPoints.Points[anchor.BottomRight]
	for opt, b := range doc.BubbleCoordinates[2] {
		b.Relative = layout.RelativeOffset{X: b.X - br.X, Y: b.Y - br.Y, Anchor: anchor.BottomRight}
		doc.BubbleCoordinates[2][opt] = b
	}
	marks := []mark{{question: 1, option: "C", gray: 0}, {question: 2, option: "B", gray: 0}}

	s := NewSession(config.Default())
	defer s.Close()
	require.NoError(t, s.SetLayout(doc))
	require.NoError(t, s.SetImage(renderSheet(doc, marks, anchor.BottomRight)))

	res := await(t, s.DetectAnchors(context.Background()))
	require.NoError(t, res.Err)
	assert.Equal(t, anchor.StatusPartial, res.Status)
	assert.Equal(t, StateAnalyzed, s.State())
	assert.Equal(t, map[int][]string{2: {"A", "B", "C", "D"}}, res.Mapping.Unpositioned)

	out, err := s.Output()
	require.NoError(t, err)
	assert.Equal(t, "C", out.Answer(1))
	assert.Nil(t, out.Answers["2"])
	assert.Equal(t, StatusUnpositioned, out.Statuses["2"])
	assert.Equal(t, []string{"A", "B", "C", "D"}, out.Unpositioned["2"])
	assert.NotContains(t, out.Results, "2")

	b := doc.BubbleCoordinates[2]["B"]
	require.NoError(t, s.MoveBubble(2, "B", geometry.Point2D{X: b.X, Y: b.Y}))
	assert.Equal(t, StateBubblesPositioned, s.State())

	require.NoError(t, await(t, s.Analyze(context.Background())).Err)
	out, err = s.Output()
	require.NoError(t, err)
	assert.Equal(t, "B", out.Answer(2))
	assert.Equal(t, []string{"A", "C", "D"}, out.Unpositioned["2"])
}

func TestMoveBubbleAndCorrectedLayout(t *testing.T) {
	doc := testLayout(t, 2)
	s := NewSession(config.Default())
	defer s.Close()
	require.NoError(t, s.SetLayout(doc))
	require.NoError(t, s.SetImage(renderSheet(doc, nil)))
	require.NoError(t, await(t, s.DetectAnchors(context.Background())).Err)

	err := s.MoveBubble(9, "A", geometry.Point2D{})
	assert.ErrorIs(t, err, ErrUnknownBubble)

	require.NoError(t, s.MoveBubble(1, "A", geometry.Point2D{X: 200, Y: 460}))
	snap := s.Snapshot()
	assert.Equal(t, geometry.Point2D{X: 200, Y: 460}, snap.Positions[1]["A"])

	// Corrections survive re-positioning.
	mapping, err := s.PositionBubbles()
	require.NoError(t, err)
	assert.Equal(t, geometry.Point2D{X: 200, Y: 460}, mapping.Positions[1]["A"])

	corrected, err := s.CorrectedLayout()
	require.NoError(t, err)
	assert.Equal(t, layout.RelativeOffset{X: 125, Y: 385, Anchor: anchor.TopLeft}, corrected.BubbleCoordinates[1]["A"].Relative)
	assert.Equal(t, 120.0, doc.BubbleCoordinates[1]["A"].Relative.X)

	path := filepath.Join(t.TempDir(), "corrected.omr")
	require.NoError(t, corrected.Save(path))
	reloaded, err := layout.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 200.0, reloaded.BubbleCoordinates[1]["A"].X)

	// A new layout drops the corrections.
	require.NoError(t, s.SetLayout(testLayout(t, 2)))
	mapping, err = s.PositionBubbles()
	require.NoError(t, err)
	assert.Equal(t, geometry.Point2D{X: 195, Y: 455}, mapping.Positions[1]["A"])
}

func TestInputErrorsKeepState(t *testing.T) {
	doc := testLayout(t, 2)
	s := NewSession(config.Default())
	defer s.Close()

	assert.ErrorIs(t, await(t, s.DetectAnchors(context.Background())).Err, ErrNoImage)
	assert.ErrorIs(t, await(t, s.Analyze(context.Background())).Err, ErrNoImage)
	_, err := s.Output()
	assert.ErrorIs(t, err, ErrNoImage)
	_, err = s.CorrectedLayout()
	assert.ErrorIs(t, err, ErrNoLayout)
	assert.Error(t, s.SetImage(nil))

	require.NoError(t, s.SetImage(renderSheet(doc, nil)))
	require.NoError(t, s.SetLayout(doc))

	assert.Error(t, s.LoadImage(filepath.Join(t.TempDir(), "missing.png")))
	assert.Equal(t, StateImageLoaded, s.State())

	err = s.SetLayout(&layout.Document{})
	assert.ErrorIs(t, err, layout.ErrNoBubbleCoordinates)
	assert.Error(t, s.LoadLayout(filepath.Join(t.TempDir(), "missing.omr")))
	assert.Same(t, doc, s.Snapshot().Layout)

	require.NoError(t, await(t, s.DetectAnchors(context.Background())).Err)
	_, err = s.Output()
	require.NoError(t, err)
}

func TestOutputBeforeAnalysis(t *testing.T) {
	doc := testLayout(t, 2)
	s := NewSession(config.Default())
	defer s.Close()
	require.NoError(t, s.SetImage(renderSheet(doc, nil)))
	require.NoError(t, await(t, s.DetectAnchors(context.Background())).Err)
	require.NoError(t, s.SetLayout(doc))
	_, err := s.PositionBubbles()
	require.NoError(t, err)

	_, err = s.Output()
	assert.True(t, errors.Is(err, ErrNotAnalyzed))
}

func TestNewImageResetsDerivedState(t *testing.T) {
	doc := testLayout(t, 2)
	s := NewSession(config.Default())
	defer s.Close()

	var images atomic.Int32
	s.On(EventImageLoaded, func(interface{}) { images.Add(1) })

	require.NoError(t, s.SetLayout(doc))
	require.NoError(t, s.SetImage(renderSheet(doc, nil)))
	require.NoError(t, await(t, s.DetectAnchors(context.Background())).Err)
	assert.Equal(t, StateAnalyzed, s.State())

	require.NoError(t, s.SetImage(renderSheet(doc, standardMarks())))
	snap := s.Snapshot()
	assert.Equal(t, StateImageLoaded, snap.State)
	assert.Nil(t, snap.Detection)
	assert.Nil(t, snap.Positions)
	assert.Nil(t, snap.Analysis)
	assert.Same(t, doc, snap.Layout)
	assert.Equal(t, int32(2), images.Load())
}

func TestThresholdChangeDuringDetection(t *testing.T) {
	doc := testLayout(t, 5)

	run := func(t *testing.T, s *Session) TaskResult {
		t.Helper()
		reached := make(chan struct{})
		release := make(chan struct{})
		s.detectHook = func() {
			close(reached)
			<-release
		}
		ch := s.DetectAnchors(context.Background())
		<-reached
		assert.Nil(t, s.SetThreshold(0.2))
		close(release)
		return await(t, ch)
	}

	t.Run("first detection", func(t *testing.T) {
		s := NewSession(config.Default())
		defer s.Close()
		var detections, analyses atomic.Int32
		s.On(EventAnchorsDetected, func(interface{}) { detections.Add(1) })
		s.On(EventAnalysisComplete, func(interface{}) { analyses.Add(1) })

		require.NoError(t, s.SetLayout(doc))
		require.NoError(t, s.SetImage(renderSheet(doc, standardMarks())))

		res := run(t, s)
		require.NoError(t, res.Err)
		require.NotNil(t, res.Analysis)
		assert.Equal(t, 0.2, res.Analysis.Threshold)
		assert.Equal(t, StateAnalyzed, s.State())

		out, err := s.Output()
		require.NoError(t, err)
		assert.Equal(t, 0.2, out.Threshold)
		assert.Equal(t, "A", out.Answer(5))
		assert.Equal(t, int32(1), detections.Load())
		assert.Equal(t, int32(1), analyses.Load())
	})

	t.Run("repeated detection", func(t *testing.T) {
		s := NewSession(config.Default())
		defer s.Close()
		require.NoError(t, s.SetLayout(doc))
		require.NoError(t, s.SetImage(renderSheet(doc, standardMarks())))
		require.NoError(t, await(t, s.DetectAnchors(context.Background())).Err)
		require.Equal(t, StateAnalyzed, s.State())

		res := run(t, s)
		require.NoError(t, res.Err)
		require.NotNil(t, res.Analysis)
		assert.Equal(t, 0.2, res.Analysis.Threshold)
		assert.Equal(t, StateAnalyzed, s.State())
	})
}

func TestDetectionOnReplacedImageIsDiscarded(t *testing.T) {
	doc := testLayout(t, 3)
	s := NewSession(config.Default())
	defer s.Close()

	require.NoError(t, s.SetImage(renderSheet(doc, nil)))
	other := omrimage.NewSheet(renderSheet(doc, nil, anchor.TopLeft, anchor.TopRight))
	// Stands in for an image swap that lands after the detection read the
	// sheet but before it was submitted.
	s.detectHook = func() {
		s.mu.Lock()
		s.sheet = other
		s.plane = bubble.NewPlane(other.Image)
		s.mu.Unlock()
	}

	var detections atomic.Int32
	s.On(EventAnchorsDetected, func(interface{}) { detections.Add(1) })

	res := await(t, s.DetectAnchors(context.Background()))
	assert.ErrorIs(t, res.Err, ErrSuperseded)
	assert.Equal(t, StateImageLoaded, s.State())
	assert.Nil(t, s.Snapshot().Detection)
	assert.Zero(t, detections.Load())
}

func TestDeliverSkipsReplacedAnalysis(t *testing.T) {
	s := NewSession(config.Default())
	defer s.Close()

	var analyses atomic.Int32
	s.On(EventAnalysisComplete, func(interface{}) { analyses.Add(1) })

	older := &Analysis{Threshold: 0.3}
	newer := &Analysis{Threshold: 0.2}
	s.mu.Lock()
	s.analysis = newer
	s.mu.Unlock()

	s.deliver(TaskResult{Kind: TaskAnalyze, Analysis: older})
	assert.Zero(t, analyses.Load())

	s.deliver(TaskResult{Kind: TaskAnalyze, Analysis: newer})
	assert.Equal(t, int32(1), analyses.Load())
}
