package layout

import (
	"strconv"
	"strings"
	"time"

	"omr-scanner/internal/anchor"
	"omr-scanner/pkg/geometry"
)

const pointsPerInch = 72

// PageSizesInches holds portrait page dimensions.
var PageSizesInches = map[string]geometry.Size{
	"letter": {Width: 8.5, Height: 11},
	"a4":     {Width: 8.27, Height: 11.69},
}

// Form is the design-time description of a test.
type Form struct {
	Title     string
	Questions []FormQuestion
}

// FormQuestion is one question as authored. Correct indexes Options,
// including any blank entries; blank options are dropped on export.
type FormQuestion struct {
	Text    string
	Options []string
	Correct int
	Points  int
}

// NonEmptyOptions returns the trimmed, non-blank options.
func (q FormQuestion) NonEmptyOptions() []string {
	out := make([]string, 0, len(q.Options))
	for _, opt := range q.Options {
		if s := strings.TrimSpace(opt); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// AdjustedCorrect returns the correct index within NonEmptyOptions, or 0 if
// Correct points at a blank or out-of-range option.
func (q FormQuestion) AdjustedCorrect() int {
	if q.Correct < 0 || q.Correct >= len(q.Options) {
		return 0
	}
	want := strings.TrimSpace(q.Options[q.Correct])
	if want == "" {
		return 0
	}
	for i, opt := range q.NonEmptyOptions() {
		if opt == want {
			return i
		}
	}
	return 0
}

// ExportOptions controls the geometry written by Build.
type ExportOptions struct {
	PageSize    string // "letter" or "a4"
	Orientation string // "portrait" or "landscape"
	DPI         int

	AnchorToFirstBubble geometry.Point2D // px from top_left anchor to the first bubble
	BubbleSpacing       geometry.Point2D // px between options (X) and questions (Y)
	BubbleRadiusPt      float64
	SquareSizePt        float64
	SquareOffsetIn      float64

	PenaltyWrong float64
	PenaltyBlank float64

	Generator string
	Now       func() time.Time
}

// DefaultExportOptions returns the geometry the scanner defaults are tuned for.
func DefaultExportOptions() ExportOptions {
	return ExportOptions{
		PageSize:            "letter",
		Orientation:         "portrait",
		DPI:                 150,
		AnchorToFirstBubble: geometry.Point2D{X: 120, Y: 380},
		BubbleSpacing:       geometry.Point2D{X: 120, Y: 90},
		BubbleRadiusPt:      10,
		SquareSizePt:        15,
		SquareOffsetIn:      0.5,
		PenaltyWrong:        0.25,
		PenaltyBlank:        0,
		Generator:           "omr-scanner",
		Now:                 time.Now,
	}
}

// PageInches returns the page size after applying orientation. Unknown
// sizes fall back to letter.
func (o ExportOptions) PageInches() geometry.Size {
	size, ok := PageSizesInches[strings.ToLower(o.PageSize)]
	if !ok {
		size = PageSizesInches["letter"]
	}
	if strings.EqualFold(o.Orientation, "landscape") {
		size.Width, size.Height = size.Height, size.Width
	}
	return size
}

// Alignment computes where the anchor squares are printed, in pixels at DPI.
func (o ExportOptions) Alignment() *AlignmentPoints {
	page := o.PageInches()
	dpi := float64(o.DPI)
	pageW := int(page.Width * dpi)
	pageH := int(page.Height * dpi)
	square := int(o.SquareSizePt / pointsPerInch * dpi)
	margin := int(o.SquareOffsetIn * dpi)

	pt := func(x, y int) geometry.Point2D { return geometry.Point2D{X: float64(x), Y: float64(y)} }
	return &AlignmentPoints{
		Points: map[anchor.Name]geometry.Point2D{
			anchor.TopLeft:     pt(margin, margin),
			anchor.TopRight:    pt(pageW-margin-square, margin),
			anchor.BottomLeft:  pt(margin, pageH-margin-square),
			anchor.BottomRight: pt(pageW-margin-square, pageH-margin-square),
		},
		Size:       float64(square),
		PageWidth:  float64(pageW),
		PageHeight: float64(pageH),
	}
}

// Build produces a scanner layout for a form. All bubbles are placed on a
// grid relative to the top_left anchor, one row per question.
func Build(form Form, opts ExportOptions) *Document {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	now := opts.Now()
	align := opts.Alignment()
	origin := align.Points[anchor.TopLeft]
	radius := float64(int(opts.BubbleRadiusPt / pointsPerInch * float64(opts.DPI)))

	doc := &Document{
		FormatVersion: FormatVersion,
		Generator:     opts.Generator,
		GeneratedDate: now.Format(time.RFC3339),
		Metadata: Metadata{
			FormID:         "FORM_" + now.Format("20060102_150405"),
			Title:          form.Title,
			TotalQuestions: len(form.Questions),
		},
		Layout: Page{
			PageSize:         strings.ToLower(opts.PageSize),
			Orientation:      strings.ToLower(opts.Orientation),
			BubbleStyle:      "circle",
			PageWidthInches:  opts.PageInches().Width,
			PageHeightInches: opts.PageInches().Height,
			DPI:              opts.DPI,
		},
		Questions:         make([]Question, 0, len(form.Questions)),
		AnswerKey:         make(map[int]int, len(form.Questions)),
		BubbleCoordinates: make(BubbleCoordinates, len(form.Questions)),
		AlignmentPoints:   align,
		GradingConfig: GradingConfig{
			ScoringMethod: "points",
			PenaltyWrong:  opts.PenaltyWrong,
			PenaltyBlank:  opts.PenaltyBlank,
		},
	}

	for i, fq := range form.Questions {
		id := i + 1
		options := fq.NonEmptyOptions()
		correct := fq.AdjustedCorrect()

		doc.Metadata.TotalPoints += fq.Points
		doc.Questions = append(doc.Questions, Question{
			ID:            id,
			Text:          fq.Text,
			Options:       options,
			CorrectAnswer: correct,
			Points:        fq.Points,
		})
		doc.AnswerKey[id] = correct

		bubbles := make(map[string]Bubble, len(options))
		for j := range options {
			rel := geometry.Point2D{
				X: opts.AnchorToFirstBubble.X + float64(j)*opts.BubbleSpacing.X,
				Y: opts.AnchorToFirstBubble.Y + float64(i)*opts.BubbleSpacing.Y,
			}
			abs := origin.Add(rel)
			bubbles[OptionLetter(j)] = Bubble{
				X:        abs.X,
				Y:        abs.Y,
				Radius:   radius,
				Relative: RelativeOffset{X: rel.X, Y: rel.Y, Anchor: anchor.TopLeft},
			}
		}
		doc.BubbleCoordinates[id] = bubbles
	}

	return doc
}

// SyntheticForm returns a form of n questions with the given number of
// options each, used for calibration sheets.
func SyntheticForm(title string, questions, options int) Form {
	form := Form{Title: title, Questions: make([]FormQuestion, questions)}
	for i := range form.Questions {
		opts := make([]string, options)
		for j := range opts {
			opts[j] = "Option " + OptionLetter(j)
		}
		form.Questions[i] = FormQuestion{
			Text:    "Question " + strconv.Itoa(i+1),
			Options: opts,
			Correct: i % max(options, 1),
			Points:  1,
		}
	}
	return form
}
