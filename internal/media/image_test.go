package media_test

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"testing"

	"github.com/basket/vaultstream/internal/media"
)

func solidPNG(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}

func TestEncodeWebP_PreservesDimensions(t *testing.T) {
	src := solidPNG(t, 40, 20, color.RGBA{R: 200, G: 10, B: 10, A: 255})
	got, err := media.EncodeWebP(src, media.DefaultQuality)
	if err != nil {
		t.Fatalf("encode webp: %v", err)
	}
	if got.Width != 40 || got.Height != 20 {
		t.Fatalf("dimensions = %dx%d, want 40x20", got.Width, got.Height)
	}
	if len(got.WebP) == 0 {
		t.Fatalf("expected non-empty webp output")
	}
}

func TestThumbnail_BoundsDimensions(t *testing.T) {
	src := solidPNG(t, 1200, 600, color.RGBA{R: 10, G: 200, B: 10, A: 255})
	got, err := media.Thumbnail(src)
	if err != nil {
		t.Fatalf("thumbnail: %v", err)
	}
	if got.Width > 300 || got.Height > 300 {
		t.Fatalf("thumbnail dims %dx%d exceed 300x300 bound", got.Width, got.Height)
	}
	// Aspect ratio 2:1 preserved.
	if got.Width != 300 || got.Height != 150 {
		t.Fatalf("thumbnail dims = %dx%d, want 300x150", got.Width, got.Height)
	}
}

func TestDominantColor_SolidImage(t *testing.T) {
	src := solidPNG(t, 10, 10, color.RGBA{R: 255, G: 0, B: 0, A: 255})
	got, err := media.DominantColor(src)
	if err != nil {
		t.Fatalf("dominant color: %v", err)
	}
	if got != "#ff0000" {
		t.Fatalf("dominant color = %q, want #ff0000", got)
	}
}

func solidGIF(t *testing.T, frameColors []color.RGBA, delaysCentiseconds []int) []byte {
	t.Helper()
	palette := color.Palette{color.RGBA{0, 0, 0, 255}}
	for _, c := range frameColors {
		palette = append(palette, c)
	}
	g := &gif.GIF{}
	for i, c := range frameColors {
		img := image.NewPaletted(image.Rect(0, 0, 8, 8), palette)
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				img.Set(x, y, c)
			}
		}
		g.Image = append(g.Image, img)
		g.Delay = append(g.Delay, delaysCentiseconds[i])
	}
	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, g); err != nil {
		t.Fatalf("encode test gif: %v", err)
	}
	return buf.Bytes()
}

func TestDecodeGIFFrames_MultiFrame(t *testing.T) {
	src := solidGIF(t, []color.RGBA{
		{R: 255, A: 255}, {G: 255, A: 255}, {B: 255, A: 255},
	}, []int{10, 20, 30})

	frames, delays, err := media.DecodeGIFFrames(src)
	if err != nil {
		t.Fatalf("decode gif frames: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	if len(delays) != 3 {
		t.Fatalf("got %d delays, want 3", len(delays))
	}
	// GIF delays are centiseconds; DecodeGIFFrames reports milliseconds.
	if delays[0] != 100 || delays[1] != 200 || delays[2] != 300 {
		t.Fatalf("delays = %v, want [100 200 300]", delays)
	}
}

func TestEncodeAnimatedWebP_RoundTripsFrameCount(t *testing.T) {
	src := solidGIF(t, []color.RGBA{
		{R: 255, A: 255}, {G: 255, A: 255},
	}, []int{10, 10})

	frames, delays, err := media.DecodeGIFFrames(src)
	if err != nil {
		t.Fatalf("decode gif frames: %v", err)
	}
	webpBytes, width, height, err := media.EncodeAnimatedWebP(frames, delays, media.DefaultQuality)
	if err != nil {
		t.Fatalf("encode animated webp: %v", err)
	}
	if width != 8 || height != 8 {
		t.Fatalf("dims = %dx%d, want 8x8", width, height)
	}
	if len(webpBytes) < 12 || string(webpBytes[0:4]) != "RIFF" || string(webpBytes[8:12]) != "WEBP" {
		t.Fatalf("output is not a RIFF/WEBP container")
	}
	if !bytes.Contains(webpBytes, []byte("VP8X")) {
		t.Fatalf("expected a VP8X chunk for the animated container")
	}
	if !bytes.Contains(webpBytes, []byte("ANIM")) {
		t.Fatalf("expected an ANIM chunk")
	}
	if got := bytes.Count(webpBytes, []byte("ANMF")); got != 2 {
		t.Fatalf("got %d ANMF chunks, want 2", got)
	}
}

func TestEncodeAnimatedWebP_NoFrames(t *testing.T) {
	if _, _, _, err := media.EncodeAnimatedWebP(nil, nil, media.DefaultQuality); err == nil {
		t.Fatalf("expected an error encoding zero frames")
	}
}
