package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"omr-scanner/internal/anchor"
	"omr-scanner/internal/config"
	"omr-scanner/internal/overlay"
	"omr-scanner/internal/scan"

	"github.com/spf13/cobra"
)

// ErrDetectionFailed is returned when too few anchors are found to read the sheet.
var ErrDetectionFailed = errors.New("anchor detection failed")

type scanOptions struct {
	image       string
	layout      string
	threshold   float64
	overlayPath string
	pretty      bool
}

func newScanCommand(g *globalOptions) *cobra.Command {
	o := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Read the answers from one scanned sheet",
		Long: "Detects the anchor squares, maps the layout's bubbles onto the scan, " +
			"measures every bubble and prints the answers and per-bubble results as JSON.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd.Context(), cmd.OutOrStdout(), g.cfg, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.image, "image", "", "Scanned sheet (PNG, JPEG, TIFF, BMP or PDF)")
	f.StringVar(&o.layout, "layout", "", "Layout file (.omr)")
	f.Float64Var(&o.threshold, "threshold", 0, "Fill threshold override (0 keeps the configured value)")
	f.StringVar(&o.overlayPath, "overlay", "", "Write a results overlay image to this path")
	f.BoolVar(&o.pretty, "pretty", false, "Indent JSON output")
	_ = cmd.MarkFlagRequired("image")
	_ = cmd.MarkFlagRequired("layout")
	return cmd
}

func runScan(ctx context.Context, w io.Writer, cfg config.Config, o *scanOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if o.threshold != 0 {
		if err := config.ValidateThreshold(o.threshold); err != nil {
			return err
		}
		cfg = cfg.WithThreshold(o.threshold)
	}

	s := scan.NewSession(cfg)
	defer s.Close()

	if err := s.LoadLayout(o.layout); err != nil {
		return err
	}
	if err := s.LoadImage(o.image); err != nil {
		return err
	}

	// With the layout already loaded, detection carries on through analysis.
	res := <-s.DetectAnchors(ctx)
	if res.Err != nil {
		return res.Err
	}
	if !res.OK() {
		return fmt.Errorf("%w: %s", ErrDetectionFailed, res.Message)
	}

	if o.overlayPath != "" {
		if err := writeOverlay(s, cfg, o.overlayPath); err != nil {
			return err
		}
	}

	out, err := s.Output()
	if err != nil {
		return err
	}
	data, err := out.JSON(o.pretty)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func writeOverlay(s *scan.Session, cfg config.Config, path string) error {
	mat, err := overlay.Render(s.Snapshot(), cfg.Analysis.AnalysisRadius)
	if err != nil {
		return err
	}
	defer mat.Close()
	return overlay.Save(path, mat)
}

type anchorsOptions struct {
	image       string
	overlayPath string
}

func newAnchorsCommand(g *globalOptions) *cobra.Command {
	o := &anchorsOptions{}
	cmd := &cobra.Command{
		Use:   "anchors",
		Short: "Detect the anchor squares on a scanned sheet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnchors(cmd.Context(), cmd.OutOrStdout(), g.cfg, o)
		},
	}
	cmd.Flags().StringVar(&o.image, "image", "", "Scanned sheet")
	cmd.Flags().StringVar(&o.overlayPath, "overlay", "", "Write an anchor overlay image to this path")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

func runAnchors(ctx context.Context, w io.Writer, cfg config.Config, o *anchorsOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s := scan.NewSession(cfg)
	defer s.Close()

	if err := s.LoadImage(o.image); err != nil {
		return err
	}
	res := <-s.DetectAnchors(ctx)
	if res.Err != nil {
		return res.Err
	}
	printAnchors(w, s.Snapshot().Sheet.Describe(), res.Detection)

	if o.overlayPath != "" {
		if err := writeOverlay(s, cfg, o.overlayPath); err != nil {
			return err
		}
	}
	if !res.OK() {
		return fmt.Errorf("%w: %s", ErrDetectionFailed, res.Message)
	}
	return nil
}

func printAnchors(w io.Writer, sheet string, det *anchor.Result) {
	fmt.Fprintf(w, "Sheet: %s\n", sheet)
	fmt.Fprintf(w, "Status: %s (%s)\n", det.Status, det.Message)
	fmt.Fprintf(w, "Candidates: %d\n\n", det.Candidates)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ANCHOR\tX\tY\tW\tH")
	for _, name := range anchor.Names {
		a, ok := det.Anchors[name]
		if !ok {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t-\n", name)
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", name, a.X, a.Y, a.Width, a.Height)
	}
	tw.Flush()
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
