package media

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	stddraw "image/draw"
	"image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/chai2010/webp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	// DefaultQuality is the WebP encode quality used for archived images.
	DefaultQuality = 80
	// ThumbnailQuality is the lower quality used for list-view thumbnails.
	ThumbnailQuality   = 70
	thumbnailMaxWidth  = 300
	thumbnailMaxHeight = 300
)

// EncodedImage is the result of decoding, optionally resizing, and
// re-encoding an image as WebP.
type EncodedImage struct {
	WebP   []byte
	Width  int
	Height int
}

// EncodeWebP decodes an arbitrary supported image format (JPEG, PNG, GIF,
// WebP) and re-encodes it as a single-frame WebP at quality. Animated
// source images are flattened to their first frame; callers that need to
// preserve animation should route through DecodeGIFFrames/EncodeAnimatedWebP
// instead.
func EncodeWebP(data []byte, quality int) (*EncodedImage, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)}); err != nil {
		return nil, fmt.Errorf("encode webp: %w", err)
	}
	bounds := img.Bounds()
	return &EncodedImage{WebP: buf.Bytes(), Width: bounds.Dx(), Height: bounds.Dy()}, nil
}

// Thumbnail produces a bounded-size WebP preview, preserving aspect ratio,
// for the content grid / doctor status view.
func Thumbnail(data []byte) (*EncodedImage, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	bounds := img.Bounds()
	w, h := targetDimensions(bounds.Dx(), bounds.Dy(), thumbnailMaxWidth, thumbnailMaxHeight)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := webp.Encode(&buf, dst, &webp.Options{Quality: float32(ThumbnailQuality)}); err != nil {
		return nil, fmt.Errorf("encode thumbnail webp: %w", err)
	}
	return &EncodedImage{WebP: buf.Bytes(), Width: w, Height: h}, nil
}

// DominantColor estimates an image's dominant color by downscaling it to
// a single pixel, returned as a "#rrggbb" hex string.
func DominantColor(data []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	dst := image.NewRGBA(image.Rect(0, 0, 1, 1))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	r, g, b, _ := dst.At(0, 0).RGBA()
	return fmt.Sprintf("#%02x%02x%02x", r>>8, g>>8, b>>8), nil
}

// DecodeGIFFrames decodes an animated GIF into fully-composited RGBA
// frames (each frame flattened onto the running canvas per its disposal)
// plus per-frame display delays in milliseconds. A single-frame GIF
// decodes to a one-element slice, same as a still image.
func DecodeGIFFrames(data []byte) ([]image.Image, []int, error) {
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("decode gif: %w", err)
	}
	canvas := image.NewRGBA(image.Rect(0, 0, g.Config.Width, g.Config.Height))
	frames := make([]image.Image, len(g.Image))
	delays := make([]int, len(g.Image))
	for i, frame := range g.Image {
		stddraw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, stddraw.Over)
		flattened := image.NewRGBA(canvas.Bounds())
		copy(flattened.Pix, canvas.Pix)
		frames[i] = flattened
		delays[i] = g.Delay[i] * 10 // GIF delays are centiseconds
	}
	return frames, delays, nil
}

// EncodeAnimatedWebP packs pre-composited frames into a single animated
// WebP container (RIFF/VP8X/ANIM/ANMF), each frame individually encoded
// with chai2010/webp at quality. All frames must share the first frame's
// dimensions. delaysMs holds each frame's display duration; a
// non-positive entry falls back to 100ms.
func EncodeAnimatedWebP(frames []image.Image, delaysMs []int, quality int) ([]byte, int, int, error) {
	if len(frames) == 0 {
		return nil, 0, 0, fmt.Errorf("encode animated webp: no frames")
	}
	bounds := frames[0].Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	var framesChunk bytes.Buffer
	for i, f := range frames {
		var buf bytes.Buffer
		if err := webp.Encode(&buf, f, &webp.Options{Quality: float32(quality)}); err != nil {
			return nil, 0, 0, fmt.Errorf("encode animated webp frame %d: %w", i, err)
		}
		bitstream, err := extractWebPBitstreamChunk(buf.Bytes())
		if err != nil {
			return nil, 0, 0, fmt.Errorf("animated webp frame %d: %w", i, err)
		}
		duration := 100
		if i < len(delaysMs) && delaysMs[i] > 0 {
			duration = delaysMs[i]
		}
		writeANMFChunk(&framesChunk, width, height, duration, bitstream)
	}

	var body bytes.Buffer
	body.WriteString("WEBP")

	vp8x := make([]byte, 10)
	vp8x[0] = 0x02 // animation flag
	putUint24LE(vp8x[4:7], width-1)
	putUint24LE(vp8x[7:10], height-1)
	writeChunk(&body, "VP8X", vp8x)

	anim := make([]byte, 6)
	binary.LittleEndian.PutUint32(anim[0:4], 0xffffffff) // opaque white background
	binary.LittleEndian.PutUint16(anim[4:6], 0)           // loop forever
	writeChunk(&body, "ANIM", anim)

	body.Write(framesChunk.Bytes())

	var out bytes.Buffer
	out.WriteString("RIFF")
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(body.Len()))
	out.Write(size[:])
	out.Write(body.Bytes())
	return out.Bytes(), width, height, nil
}

// extractWebPBitstreamChunk pulls the VP8/VP8L image bitstream chunk
// (tag+size+payload, plus pad byte if present) out of a single-frame WebP
// file produced by webp.Encode, for reuse as an ANMF frame payload.
func extractWebPBitstreamChunk(data []byte) ([]byte, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WEBP" {
		return nil, fmt.Errorf("not a RIFF/WEBP container")
	}
	pos := 12
	for pos+8 <= len(data) {
		tag := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		chunkEnd := pos + 8 + size
		if chunkEnd > len(data) {
			return nil, fmt.Errorf("truncated %s chunk", tag)
		}
		if tag == "VP8 " || tag == "VP8L" {
			end := chunkEnd
			if size%2 == 1 && end < len(data) {
				end++
			}
			return data[pos:end], nil
		}
		pos = chunkEnd
		if size%2 == 1 {
			pos++
		}
	}
	return nil, fmt.Errorf("no VP8/VP8L bitstream chunk found")
}

// writeANMFChunk appends one ANMF chunk covering the full canvas at
// (0,0), per the animated WebP container's 16-byte frame header layout.
func writeANMFChunk(w *bytes.Buffer, width, height, durationMs int, bitstream []byte) {
	payload := make([]byte, 16, 16+len(bitstream))
	putUint24LE(payload[0:3], 0)          // frame X (in 2-pixel units)
	putUint24LE(payload[3:6], 0)          // frame Y (in 2-pixel units)
	putUint24LE(payload[6:9], width-1)    // frame width minus one
	putUint24LE(payload[9:12], height-1)  // frame height minus one
	putUint24LE(payload[12:15], durationMs)
	payload[15] = 0 // reserved(6) | blending=0 | disposal=0
	payload = append(payload, bitstream...)
	writeChunk(w, "ANMF", payload)
}

func writeChunk(w *bytes.Buffer, tag string, payload []byte) {
	w.WriteString(tag)
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(payload)))
	w.Write(size[:])
	w.Write(payload)
	if len(payload)%2 == 1 {
		w.WriteByte(0)
	}
}

func putUint24LE(b []byte, v int) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

func targetDimensions(origW, origH, maxW, maxH int) (w, h int) {
	w, h = origW, origH
	if maxW > 0 && w > maxW {
		ratio := float64(maxW) / float64(w)
		w = maxW
		h = int(float64(h) * ratio)
	}
	if maxH > 0 && h > maxH {
		ratio := float64(maxH) / float64(h)
		h = maxH
		w = int(float64(w) * ratio)
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}
