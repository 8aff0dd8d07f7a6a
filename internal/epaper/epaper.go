// Package epaper drives the Waveshare 2.13" V4 e-paper HAT.
package epaper

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"

	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/devices/v3/waveshare2in13v4"
	"periph.io/x/host/v3"
)

var hostInit = sync.OnceValue(func() error {
	_, err := host.Init()
	return err
})

// Device is the panel on the default SPI port. The port is opened lazily by
// Init, so a missing or busy bus surfaces as an Init error that can be retried.
type Device struct {
	port spi.PortCloser
	dev  *waveshare2in13v4.Dev
}

// New returns an unopened Device.
func New() *Device {
	return &Device{}
}

// Init opens the SPI port on first use and wakes the panel.
func (d *Device) Init() error {
	if d.dev == nil {
		if err := d.open(); err != nil {
			return err
		}
	}
	if err := d.dev.Init(); err != nil {
		return fmt.Errorf("epaper init: %w", err)
	}
	return nil
}

func (d *Device) open() error {
	if err := hostInit(); err != nil {
		return fmt.Errorf("epaper host init: %w", err)
	}
	port, err := spireg.Open("")
	if err != nil {
		return fmt.Errorf("epaper open spi: %w", err)
	}
	opts := waveshare2in13v4.EPD2in13v4
	dev, err := waveshare2in13v4.NewHat(port, &opts)
	if err != nil {
		port.Close()
		return fmt.Errorf("epaper open hat: %w", err)
	}
	d.port, d.dev = port, dev
	return nil
}

// Clear fills the panel with c.
func (d *Device) Clear(c color.Color) error {
	if d.dev == nil {
		return errNotOpen
	}
	if err := d.dev.Clear(c); err != nil {
		return fmt.Errorf("epaper clear: %w", err)
	}
	return nil
}

// Display pushes a landscape frame to the panel.
func (d *Device) Display(img image.Image) error {
	if d.dev == nil {
		return errNotOpen
	}
	bounds := d.dev.Bounds()
	frame := image1bit.NewVerticalLSB(bounds)
	draw.Draw(frame, frame.Bounds(), toPortrait(img, bounds), bounds.Min, draw.Src)
	if err := d.dev.Draw(bounds, frame, image.Point{}); err != nil {
		return fmt.Errorf("epaper draw: %w", err)
	}
	return nil
}

// Sleep puts the panel into deep sleep.
func (d *Device) Sleep() error {
	if d.dev == nil {
		return errNotOpen
	}
	if err := d.dev.Sleep(); err != nil {
		return fmt.Errorf("epaper sleep: %w", err)
	}
	return nil
}

// Close halts the panel and releases the SPI port.
func (d *Device) Close() error {
	if d.dev == nil {
		return nil
	}
	err := d.dev.Halt()
	if cerr := d.port.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	d.port, d.dev = nil, nil
	if err != nil {
		return fmt.Errorf("epaper close: %w", err)
	}
	return nil
}

var errNotOpen = errors.New("epaper: device not initialised")

// toPortrait rotates a landscape src into a frame the size of portrait,
// turning it a quarter clockwise. Images already in portrait pass through.
func toPortrait(src image.Image, portrait image.Rectangle) image.Image {
	sb := src.Bounds()
	if sb.Dx() <= sb.Dy() {
		return src
	}
	dst := image.NewGray(portrait)
	w, h := portrait.Dx(), portrait.Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sx := sb.Min.X + y
			sy := sb.Max.Y - 1 - x
			if image.Pt(sx, sy).In(sb) {
				dst.Set(portrait.Min.X+x, portrait.Min.Y+y, src.At(sx, sy))
			} else {
				dst.Set(portrait.Min.X+x, portrait.Min.Y+y, color.White)
			}
		}
	}
	return dst
}
