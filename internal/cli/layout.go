package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"omr-scanner/internal/layout"

	"github.com/spf13/cobra"
)

func newLayoutCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "layout",
		Short: "Inspect and generate .omr layout files",
	}
	cmd.AddCommand(newLayoutValidateCommand(), newLayoutExportCommand())
	return cmd
}

func newLayoutValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Check that a layout file can drive a scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := layout.Load(args[0])
			if err != nil {
				return err
			}
			printLayoutSummary(cmd.OutOrStdout(), args[0], doc)
			return nil
		},
	}
}

func printLayoutSummary(w io.Writer, path string, doc *layout.Document) {
	fmt.Fprintf(w, "%s: valid\n", path)
	fmt.Fprintf(w, "  Title:     %s\n", doc.Metadata.Title)
	fmt.Fprintf(w, "  Version:   %s\n", doc.FormatVersion)
	fmt.Fprintf(w, "  Questions: %d\n", len(doc.BubbleCoordinates))
	fmt.Fprintf(w, "  Bubbles:   %d\n", doc.BubbleCoordinates.Count())
	if doc.Layout.DPI > 0 {
		fmt.Fprintf(w, "  Page:      %.2f x %.2f in @ %d DPI\n",
			doc.Layout.PageWidthInches, doc.Layout.PageHeightInches, doc.Layout.DPI)
	}

	anchors := make(map[string]int)
	for _, q := range doc.BubbleCoordinates.QuestionIDs() {
		for _, b := range doc.BubbleCoordinates[q] {
			anchors[string(b.Relative.Anchor)]++
		}
	}
	parts := make([]string, 0, len(anchors))
	for name, n := range anchors {
		parts = append(parts, fmt.Sprintf("%s=%d", name, n))
	}
	sort.Strings(parts)
	fmt.Fprintf(w, "  Anchors:   %s\n", strings.Join(parts, " "))

	if key := doc.AnswerKeyLetters(); len(key) > 0 {
		var sb strings.Builder
		for _, q := range sortedKeys(key) {
			fmt.Fprintf(&sb, " %d:%s", q, key[q])
		}
		fmt.Fprintf(w, "  Key:      %s\n", sb.String())
	}
}

type exportOptions struct {
	questions   int
	options     int
	title       string
	pageSize    string
	orientation string
	out         string
}

func newLayoutExportCommand() *cobra.Command {
	o := &exportOptions{}
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a synthetic layout for calibration sheets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.questions <= 0 || o.options <= 0 || o.options > 26 {
				return fmt.Errorf("need at least one question and 1-26 options")
			}
			opts := layout.DefaultExportOptions()
			opts.PageSize = o.pageSize
			opts.Orientation = o.orientation
			doc := layout.Build(layout.SyntheticForm(o.title, o.questions, o.options), opts)
			if err := doc.Save(o.out); err != nil {
				return fmt.Errorf("save layout: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s: %d questions, %d bubbles\n",
				o.out, o.questions, doc.BubbleCoordinates.Count())
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&o.questions, "questions", 10, "Number of questions")
	f.IntVar(&o.options, "options", 4, "Options per question")
	f.StringVar(&o.title, "title", "Calibration", "Form title")
	f.StringVar(&o.pageSize, "page", "letter", "Page size (letter or a4)")
	f.StringVar(&o.orientation, "orientation", "portrait", "Page orientation")
	f.StringVar(&o.out, "out", "", "Output .omr path")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
