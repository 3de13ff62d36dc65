// Package image provides scan loading: raster decoding, first-page PDF
// rasterization, and conversion to OpenCV matrices.
package image

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"omr-scanner/pkg/geometry"

	"github.com/gen2brain/go-fitz"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// ErrUnsupportedFormat is returned for files whose extension is not a
// supported raster or PDF format.
var ErrUnsupportedFormat = errors.New("unsupported scan format")

// Source records where a sheet's pixels came from.
type Source int

const (
	SourceMemory Source = iota
	SourceRaster
	SourcePDF
)

func (s Source) String() string {
	switch s {
	case SourceRaster:
		return "Raster"
	case SourcePDF:
		return "PDF"
	default:
		return "Memory"
	}
}

// Sheet is one scanned answer sheet held in memory.
type Sheet struct {
	Path   string      // Original file path (empty for in-memory sheets)
	Image  image.Image // Decoded pixels
	Source Source      // Raster file, rasterized PDF page, or in-memory
	Format string      // Decoder name ("png", "tiff", "pdf", ...)
	DPI    float64     // Resolution if known (TIFF tags or PDF rasterization DPI)
	Pages  int         // Page count of the source document (1 for rasters)
}

// NewSheet wraps an in-memory image.
func NewSheet(img image.Image) *Sheet {
	return &Sheet{Image: img, Source: SourceMemory, Pages: 1}
}

// Load loads a scan from path. PDFs are rasterized at pdfDPI and only the
// first page is used.
func Load(path string, pdfDPI int) (*Sheet, error) {
	if !IsSupportedFormat(path) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return loadPDF(path, pdfDPI)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()

	img, format, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	sheet := &Sheet{
		Path:   path,
		Image:  img,
		Source: SourceRaster,
		Format: format,
		Pages:  1,
	}

	if format == "tiff" {
		if dpi, err := extractTIFFDPI(path); err == nil {
			sheet.DPI = dpi
		}
	}

	return sheet, nil
}

// loadPDF rasterizes the first page of a PDF.
func loadPDF(path string, dpi int) (*Sheet, error) {
	if dpi <= 0 {
		return nil, fmt.Errorf("invalid PDF rasterization DPI %d", dpi)
	}

	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()

	pages := doc.NumPage()
	if pages == 0 {
		return nil, fmt.Errorf("PDF has no pages: %s", path)
	}

	img, err := doc.ImageDPI(0, float64(dpi))
	if err != nil {
		return nil, fmt.Errorf("failed to rasterize PDF page 1: %w", err)
	}

	return &Sheet{
		Path:   path,
		Image:  img,
		Source: SourcePDF,
		Format: "pdf",
		DPI:    float64(dpi),
		Pages:  pages,
	}, nil
}

// Width returns the image width in pixels.
func (s *Sheet) Width() int {
	if s == nil || s.Image == nil {
		return 0
	}
	return s.Image.Bounds().Dx()
}

// Height returns the image height in pixels.
func (s *Sheet) Height() int {
	if s == nil || s.Image == nil {
		return 0
	}
	return s.Image.Bounds().Dy()
}

// Size returns the image dimensions.
func (s *Sheet) Size() geometry.Size {
	return geometry.Size{
		Width:  float64(s.Width()),
		Height: float64(s.Height()),
	}
}

// Describe returns a one-line summary for logs and CLI output.
func (s *Sheet) Describe() string {
	name := filepath.Base(s.Path)
	if s.Path == "" {
		name = "(memory)"
	}
	desc := fmt.Sprintf("%s %dx%d %s", name, s.Width(), s.Height(), s.Source)
	if s.DPI > 0 {
		desc += fmt.Sprintf(" @%.0f DPI", s.DPI)
	}
	if s.Pages > 1 {
		desc += fmt.Sprintf(" (page 1 of %d)", s.Pages)
	}
	return desc
}

// extractTIFFDPI reads the resolution tags from the first TIFF IFD.
func extractTIFFDPI(path string) (float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	header := make([]byte, 8)
	if _, err := file.Read(header); err != nil {
		return 0, err
	}

	var byteOrder binary.ByteOrder
	switch string(header[0:2]) {
	case "II":
		byteOrder = binary.LittleEndian
	case "MM":
		byteOrder = binary.BigEndian
	default:
		return 0, fmt.Errorf("not a valid TIFF file")
	}

	if _, err := file.Seek(int64(byteOrder.Uint32(header[4:8])), 0); err != nil {
		return 0, err
	}

	var numEntries uint16
	if err := binary.Read(file, byteOrder, &numEntries); err != nil {
		return 0, err
	}

	var xRes, yRes float64
	var resUnit uint16 = 2 // inches

	entries := make([]byte, 12*int(numEntries))
	if _, err := file.Read(entries); err != nil {
		return 0, err
	}
	for i := 0; i < int(numEntries); i++ {
		entry := entries[i*12 : i*12+12]
		tag := byteOrder.Uint16(entry[0:2])
		fieldType := byteOrder.Uint16(entry[2:4])
		value := entry[8:12]

		switch {
		case tag == 282 && fieldType == 5: // XResolution, RATIONAL
			xRes = readTIFFRational(file, int64(byteOrder.Uint32(value)), byteOrder)
		case tag == 283 && fieldType == 5: // YResolution, RATIONAL
			yRes = readTIFFRational(file, int64(byteOrder.Uint32(value)), byteOrder)
		case tag == 296 && fieldType == 3: // ResolutionUnit, SHORT (left-justified)
			resUnit = byteOrder.Uint16(value[0:2])
		}
	}

	dpi := xRes
	if dpi == 0 {
		dpi = yRes
	}
	if dpi == 0 {
		return 0, fmt.Errorf("no resolution tags found")
	}
	if resUnit == 3 { // centimetres
		dpi *= 2.54
	}
	return dpi, nil
}

// readTIFFRational reads a RATIONAL value (two uint32s) at offset.
func readTIFFRational(file *os.File, offset int64, byteOrder binary.ByteOrder) float64 {
	buf := make([]byte, 8)
	if _, err := file.ReadAt(buf, offset); err != nil {
		return 0
	}
	num := byteOrder.Uint32(buf[0:4])
	denom := byteOrder.Uint32(buf[4:8])
	if denom == 0 {
		return 0
	}
	return float64(num) / float64(denom)
}

// SupportedFormats returns the list of supported scan formats.
func SupportedFormats() []string {
	return []string{".png", ".jpg", ".jpeg", ".tiff", ".tif", ".bmp", ".pdf"}
}

// IsSupportedFormat checks if the given path has a supported scan format.
func IsSupportedFormat(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, format := range SupportedFormats() {
		if ext == format {
			return true
		}
	}
	return false
}
