package utils_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/png"
	"strings"
	"testing"

	"github.com/Skryldev/image-pipeline/utils"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// exifJPEG returns a JPEG header carrying only an EXIF orientation tag.
func exifJPEG(orientation uint16) []byte {
	tiff := []byte("MM\x00\x2a\x00\x00\x00\x08")
	tiff = binary.BigEndian.AppendUint16(tiff, 1) // one IFD entry
	tiff = binary.BigEndian.AppendUint16(tiff, 0x0112)
	tiff = binary.BigEndian.AppendUint16(tiff, 3) // SHORT
	tiff = binary.BigEndian.AppendUint32(tiff, 1)
	tiff = binary.BigEndian.AppendUint16(tiff, orientation)
	tiff = append(tiff, 0, 0)
	seg := append([]byte("Exif\x00\x00"), tiff...)

	out := []byte{0xFF, 0xD8, 0xFF, 0xE1}
	out = binary.BigEndian.AppendUint16(out, uint16(len(seg)+2))
	out = append(out, seg...)
	return append(out, 0xFF, 0xD9)
}

func TestDetectFormat(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want string
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, "jpeg"},
		{"png", []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A}, "png"},
		{"gif", []byte("GIF89a"), "gif"},
		{"qoi", []byte("qoif\x00\x00"), "qoi"},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), "webp"},
		{"bmp", []byte("BM\x00\x00\x00\x00"), "bmp"},
		{"too short", []byte{0xFF}, "unknown"},
		{"text", []byte("hello world"), "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := utils.DetectFormat(tc.data); got != tc.want {
				t.Fatalf("DetectFormat = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestScaleDimensions(t *testing.T) {
	cases := []struct {
		srcW, srcH, w, h int
		wantW, wantH     int
	}{
		{100, 50, 0, 0, 100, 50},
		{100, 50, 50, 0, 50, 25},
		{100, 50, 0, 10, 20, 10},
		{100, 50, 30, 30, 30, 30},
	}
	for _, tc := range cases {
		w, h := utils.ScaleDimensions(tc.srcW, tc.srcH, tc.w, tc.h)
		if w != tc.wantW || h != tc.wantH {
			t.Errorf("ScaleDimensions(%d,%d,%d,%d) = %dx%d, want %dx%d",
				tc.srcW, tc.srcH, tc.w, tc.h, w, h, tc.wantW, tc.wantH)
		}
	}
}

func TestFitWithin(t *testing.T) {
	if w, h := utils.FitWithin(100, 50, 200, 200); w != 100 || h != 50 {
		t.Fatalf("upscaled to %dx%d", w, h)
	}
	if w, h := utils.FitWithin(400, 100, 100, 100); w != 100 || h != 25 {
		t.Fatalf("FitWithin = %dx%d, want 100x25", w, h)
	}
	if w, h := utils.FitWithin(1000, 1, 10, 10); w != 10 || h != 1 {
		t.Fatalf("FitWithin = %dx%d, want 10x1", w, h)
	}
}

func TestParseImageInfo_PNG(t *testing.T) {
	data := pngBytes(t, 7, 3)
	info := utils.ParseImageInfo(data)
	if info.Format != "png" || info.Width != 7 || info.Height != 3 || !info.Complete {
		t.Fatalf("info = %+v", info)
	}

	truncated := utils.ParseImageInfo(data[:len(data)-12])
	if truncated.Complete {
		t.Fatal("truncated PNG reported complete")
	}
}

func TestParseImageInfo_Unreadable(t *testing.T) {
	info := utils.ParseImageInfo([]byte{0xFF, 0xD8, 0xFF})
	if info.Width != -1 || info.Height != -1 || info.Complete {
		t.Fatalf("info = %+v", info)
	}
}

func TestJPEGOrientation(t *testing.T) {
	if got := utils.JPEGOrientation(exifJPEG(6)); got != 6 {
		t.Fatalf("orientation = %d, want 6", got)
	}
	if got := utils.JPEGOrientation(exifJPEG(42)); got != 0 {
		t.Fatalf("out of range orientation = %d, want 0", got)
	}
	if got := utils.JPEGOrientation([]byte("not a jpeg")); got != 0 {
		t.Fatalf("orientation = %d, want 0", got)
	}
}

func TestIsComplete_JPEG(t *testing.T) {
	data := exifJPEG(1)
	if !utils.IsComplete("jpeg", data) {
		t.Fatal("JPEG with EOI reported incomplete")
	}
	if utils.IsComplete("jpeg", data[:len(data)-2]) {
		t.Fatal("JPEG without EOI reported complete")
	}
}

func TestReadChunks(t *testing.T) {
	var got []string
	err := utils.ReadChunks(context.Background(), strings.NewReader("abcdefg"), make([]byte, 3), func(b []byte) error {
		got = append(got, string(b))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, "|") != "abc|def|g" {
		t.Fatalf("chunks = %v", got)
	}
}

func TestReadChunks_StopsOnCallbackError(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	err := utils.ReadChunks(context.Background(), strings.NewReader("abcdefg"), make([]byte, 2), func([]byte) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}
}

func TestReadChunks_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := utils.ReadChunks(ctx, strings.NewReader("abc"), nil, func([]byte) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
