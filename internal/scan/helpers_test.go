package scan

import (
	"image"
	"image/color"
	"image/draw"
	"testing"
	"time"

	"omr-scanner/internal/anchor"
	"omr-scanner/internal/layout"

	"github.com/stretchr/testify/require"
)

// mark is one filled bubble on a synthetic sheet.
type mark struct {
	question int
	option   string
	gray     uint8
}

func testLayout(t *testing.T, questions int) *layout.Document {
	t.Helper()
	opts := layout.DefaultExportOptions()
	opts.Now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC) }
	doc := layout.Build(layout.SyntheticForm("Synthetic", questions, 4), opts)
	require.NoError(t, doc.Validate())
	return doc
}

// renderSheet draws a white page with the layout's anchor squares (except
// those in skip) and the given marks.
func renderSheet(doc *layout.Document, marks []mark, skip ...anchor.Name) *image.Gray {
	align := doc.AlignmentPoints
	img := image.NewGray(image.Rect(0, 0, int(align.PageWidth), int(align.PageHeight)))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	skipped := make(map[anchor.Name]bool)
	for _, n := range skip {
		skipped[n] = true
	}
	size := int(align.Size)
	for name, p := range align.Points {
		if skipped[name] {
			continue
		}
		r := image.Rect(int(p.X), int(p.Y), int(p.X)+size, int(p.Y)+size)
		draw.Draw(img, r, image.NewUniform(color.Black), image.Point{}, draw.Src)
	}

	for _, m := range marks {
		b := doc.BubbleCoordinates[m.question][m.option]
		fillDisc(img, int(b.X), int(b.Y), 22, m.gray)
	}
	return img
}

func fillDisc(img *image.Gray, cx, cy, r int, v uint8) {
	for y := cy - r; y <= cy+r; y++ {
		for x := cx - r; x <= cx+r; x++ {
			if (x-cx)*(x-cx)+(y-cy)*(y-cy) <= r*r {
				img.SetGray(x, y, color.Gray{Y: v})
			}
		}
	}
}

func standardMarks() []mark {
	return []mark{
		{question: 1, option: "A", gray: 0},
		{question: 2, option: "B", gray: 10},
		// question 3 left blank
		{question: 4, option: "C", gray: 60},
		{question: 4, option: "D", gray: 0},
		{question: 5, option: "A", gray: 200}, // faint: darkness ~0.22
	}
}

func await(t *testing.T, ch <-chan TaskResult) TaskResult {
	t.Helper()
	require.NotNil(t, ch)
	select {
	case res := <-ch:
		return res
	case <-time.After(30 * time.Second):
		t.Fatal("task did not finish")
		return TaskResult{}
	}
}
