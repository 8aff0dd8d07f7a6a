// Package render draws the frames shown on the 2.13" e-paper panel.
package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/Tiliavir/worktime-epaper/internal/timecalc"
)

// Panel size in landscape orientation.
const (
	Width  = 250
	Height = 122
)

// Asset file names looked up in the images directory.
const (
	SundayImage    = "sunday.bmp"
	SaturdayImage  = "saturday.bmp"
	HourGlassImage = "hour-glasses.bmp"
)

const (
	labelSize = 32
	clockSize = 56
)

// Renderer produces landscape frames from the bitmap assets and font.
// Missing or unreadable assets degrade to a blank canvas and a fixed-size
// face so the daemon keeps running.
type Renderer struct {
	sunday    image.Image
	saturday  image.Image
	hourGlass image.Image
	label     font.Face
	clock     font.Face
}

// New loads the bitmaps from imagesDir and the font at fontPath.
func New(imagesDir, fontPath string, log *slog.Logger) *Renderer {
	if log == nil {
		log = slog.Default()
	}
	r := &Renderer{
		sunday:    loadBitmap(filepath.Join(imagesDir, SundayImage), log),
		saturday:  loadBitmap(filepath.Join(imagesDir, SaturdayImage), log),
		hourGlass: loadBitmap(filepath.Join(imagesDir, HourGlassImage), log),
		label:     basicfont.Face7x13,
		clock:     basicfont.Face7x13,
	}

	label, clock, err := loadFaces(fontPath)
	if err != nil {
		log.Warn("using built-in font", slog.String("path", fontPath), slog.Any("error", err))
	} else {
		r.label, r.clock = label, clock
	}
	return r
}

// Weekend returns the Sunday frame.
func (r *Renderer) Weekend() image.Image {
	return canvas(r.sunday)
}

// Saturday returns the Saturday frame.
func (r *Renderer) Saturday() image.Image {
	return canvas(r.saturday)
}

// Workday returns the hour-glass frame with the remaining time as HH:MM.
func (r *Renderer) Workday(remaining int64) image.Image {
	img := canvas(r.hourGlass)
	text(img, r.label, 50, 0, "Work Time")
	text(img, r.label, 50, 30, "Remaining")
	text(img, r.clock, 55, 60, timecalc.FormatHHMM(remaining))
	return img
}

// canvas returns a white Width x Height frame with bg drawn at the origin.
func canvas(bg image.Image) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, Width, Height))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	if bg != nil {
		draw.Draw(img, img.Bounds(), bg, bg.Bounds().Min, draw.Src)
	}
	return img
}

// text draws s in black with its top-left corner at (x, y).
func text(img draw.Image, face font.Face, x, y int, s string) {
	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Black),
		Face: face,
		Dot:  fixed.P(x, y+face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(s)
}

func loadBitmap(path string, log *slog.Logger) image.Image {
	f, err := os.Open(path)
	if err != nil {
		log.Warn("image unavailable", slog.String("path", path), slog.Any("error", err))
		return nil
	}
	defer f.Close()

	img, err := bmp.Decode(f)
	if err != nil {
		log.Warn("image unreadable", slog.String("path", path), slog.Any("error", err))
		return nil
	}
	return img
}

// loadFaces parses a TrueType font or the first font of a .ttc collection.
func loadFaces(path string) (label, clock font.Face, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}

	var f *opentype.Font
	if strings.EqualFold(filepath.Ext(path), ".ttc") {
		coll, err := opentype.ParseCollection(data)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing font collection: %w", err)
		}
		if f, err = coll.Font(0); err != nil {
			return nil, nil, fmt.Errorf("reading font collection: %w", err)
		}
	} else if f, err = opentype.Parse(data); err != nil {
		return nil, nil, fmt.Errorf("parsing font: %w", err)
	}

	label, err = face(f, labelSize)
	if err != nil {
		return nil, nil, err
	}
	clock, err = face(f, clockSize)
	if err != nil {
		return nil, nil, err
	}
	return label, clock, nil
}

// face sizes are in pixels, hence 72 DPI.
func face(f *opentype.Font, size float64) (font.Face, error) {
	fc, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("creating %vpx face: %w", size, err)
	}
	return fc, nil
}
