// Package layout handles the .omr layout document that binds a printed form
// to the bubble geometry the scanner reads.
package layout

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"omr-scanner/internal/anchor"
	"omr-scanner/internal/logging"
)

// FormatVersion is the .omr version written by Build.
const FormatVersion = "2.0"

var (
	// ErrNoBubbleCoordinates is returned when a layout has no bubble geometry.
	ErrNoBubbleCoordinates = errors.New("layout has no bubble_coordinates")
	// ErrInvalidLayout wraps structural problems found by Validate.
	ErrInvalidLayout = errors.New("invalid layout")
)

// Document is a parsed .omr file.
type Document struct {
	FormatVersion     string            `json:"format_version"`
	Generator         string            `json:"generator,omitempty"`
	GeneratedDate     string            `json:"generated_date,omitempty"`
	Metadata          Metadata          `json:"metadata"`
	Layout            Page              `json:"layout"`
	Questions         []Question        `json:"questions"`
	AnswerKey         map[int]int       `json:"answer_key"`
	BubbleCoordinates BubbleCoordinates `json:"bubble_coordinates"`
	AlignmentPoints   *AlignmentPoints  `json:"alignment_points,omitempty"`
	GradingConfig     GradingConfig     `json:"grading_config"`
}

// Metadata describes the form.
type Metadata struct {
	FormID         string `json:"form_id,omitempty"`
	Title          string `json:"title"`
	TotalQuestions int    `json:"total_questions"`
	TotalPoints    int    `json:"total_points"`
}

// Page describes the printed page the coordinates were designed for.
type Page struct {
	PageSize         string  `json:"page_size,omitempty"`
	Orientation      string  `json:"orientation,omitempty"`
	BubbleStyle      string  `json:"bubble_style,omitempty"`
	PageWidthInches  float64 `json:"page_width_inches"`
	PageHeightInches float64 `json:"page_height_inches"`
	DPI              int     `json:"dpi"`
}

// Question is one entry of the form's question list.
type Question struct {
	ID            int      `json:"id"`
	Text          string   `json:"text"`
	Options       []string `json:"options"`
	CorrectAnswer int      `json:"correct_answer"`
	Points        int      `json:"points"`
}

// GradingConfig is carried through for the grading collaborator.
type GradingConfig struct {
	ScoringMethod string  `json:"scoring_method"`
	PenaltyWrong  float64 `json:"penalty_wrong"`
	PenaltyBlank  float64 `json:"penalty_blank"`
}

// RelativeOffset is a bubble's position as a delta from a named anchor's
// top-left corner.
type RelativeOffset struct {
	X      float64     `json:"x"`
	Y      float64     `json:"y"`
	Anchor anchor.Name `json:"anchor"`
}

// Bubble is the design-time geometry of one answer option.
type Bubble struct {
	X        float64        `json:"x"`
	Y        float64        `json:"y"`
	Radius   float64        `json:"radius"`
	Relative RelativeOffset `json:"relative_to_anchor"`
}

// BubbleCoordinates maps question id → option letter → bubble.
// Question ids are string keys in JSON.
type BubbleCoordinates map[int]map[string]Bubble

// QuestionIDs returns the question ids in ascending order.
func (bc BubbleCoordinates) QuestionIDs() []int {
	ids := make([]int, 0, len(bc))
	for id := range bc {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Options returns the option letters of a question in lexical order.
func (bc BubbleCoordinates) Options(question int) []string {
	opts := make([]string, 0, len(bc[question]))
	for opt := range bc[question] {
		opts = append(opts, opt)
	}
	sort.Strings(opts)
	return opts
}

// Count returns the total number of bubbles.
func (bc BubbleCoordinates) Count() int {
	n := 0
	for _, opts := range bc {
		n += len(opts)
	}
	return n
}

// Clone returns a deep copy.
func (bc BubbleCoordinates) Clone() BubbleCoordinates {
	out := make(BubbleCoordinates, len(bc))
	for q, opts := range bc {
		m := make(map[string]Bubble, len(opts))
		for opt, b := range opts {
			m[opt] = b
		}
		out[q] = m
	}
	return out
}

// Parse decodes and validates a layout document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse layout: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Load loads a layout from an .omr file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read layout: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		logging.For(logging.ComponentLayout).Warn("layout rejected", "path", path, "error", err)
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logging.For(logging.ComponentLayout).Debug("layout parsed",
		"path", path, "questions", len(doc.BubbleCoordinates), "bubbles", doc.BubbleCoordinates.Count())
	return doc, nil
}

// Save writes the layout as indented JSON.
func (d *Document) Save(path string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks that the document can drive a scan.
func (d *Document) Validate() error {
	if len(d.BubbleCoordinates) == 0 || d.BubbleCoordinates.Count() == 0 {
		return ErrNoBubbleCoordinates
	}
	var errs []error
	for _, q := range d.BubbleCoordinates.QuestionIDs() {
		if q <= 0 {
			errs = append(errs, fmt.Errorf("question %d: id must be positive", q))
		}
		for _, opt := range d.BubbleCoordinates.Options(q) {
			b := d.BubbleCoordinates[q][opt]
			if opt == "" {
				errs = append(errs, fmt.Errorf("question %d: empty option letter", q))
			}
			if !b.Relative.Anchor.Valid() {
				errs = append(errs, fmt.Errorf("question %d option %s: unknown anchor %q", q, opt, b.Relative.Anchor))
			}
			if b.Radius < 0 {
				errs = append(errs, fmt.Errorf("question %d option %s: negative radius", q, opt))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidLayout, errors.Join(errs...))
	}
	return nil
}

// PointsPerQuestion returns question id → points from the question list.
func (d *Document) PointsPerQuestion() map[int]int {
	points := make(map[int]int, len(d.Questions))
	for _, q := range d.Questions {
		points[q.ID] = q.Points
	}
	return points
}

// AnswerKeyLetters converts the answer key's option indices to letters.
// Negative indices are skipped.
func (d *Document) AnswerKeyLetters() map[int]string {
	letters := make(map[int]string, len(d.AnswerKey))
	for q, idx := range d.AnswerKey {
		if idx < 0 {
			continue
		}
		letters[q] = OptionLetter(idx)
	}
	return letters
}

// OptionLetter returns the letter for a zero-based option index.
func OptionLetter(index int) string {
	return string(rune('A' + index))
}
