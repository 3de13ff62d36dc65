// Package colorutil provides shared color utilities for the scanner.
package colorutil

import (
	"image/color"
)

// Standard luminance weights (ITU-R BT.601).
const (
	LumaR = 0.299
	LumaG = 0.587
	LumaB = 0.114
)

// Common overlay colors used throughout the application.
var (
	Black  = color.RGBA{R: 0, G: 0, B: 0, A: 255}
	White  = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	Red    = color.RGBA{R: 255, G: 0, B: 0, A: 255}
	Green  = color.RGBA{R: 0, G: 128, B: 0, A: 255}
	Blue   = color.RGBA{R: 0, G: 0, B: 255, A: 255}
	Orange = color.RGBA{R: 255, G: 165, B: 0, A: 255}
	Purple = color.RGBA{R: 128, G: 0, B: 128, A: 255}
	Yellow = color.RGBA{R: 255, G: 255, B: 0, A: 255}
)

var optionColors = map[string]color.RGBA{
	"A": Red,
	"B": Green,
	"C": Blue,
	"D": Orange,
}

// OptionColor returns the overlay color for an option letter.
// Options past D share a single fallback color.
func OptionColor(option string) color.RGBA {
	if c, ok := optionColors[option]; ok {
		return c
	}
	return Purple
}

// Luminance converts 8-bit RGB (0-255) to a gray level using the BT.601
// weights. The result is not rounded.
func Luminance(r, g, b uint8) float64 {
	return LumaR*float64(r) + LumaG*float64(g) + LumaB*float64(b)
}

// Luminance16 is Luminance for the 16-bit channels returned by color.Color.RGBA.
func Luminance16(r, g, b uint32) float64 {
	return Luminance(uint8(r>>8), uint8(g>>8), uint8(b>>8))
}
