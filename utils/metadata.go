package utils

import (
	"bytes"
	"encoding/binary"
	"image"
	_ "image/gif"  // registers GIF for DecodeConfig
	_ "image/jpeg" // registers JPEG for DecodeConfig
	_ "image/png"  // registers PNG for DecodeConfig

	_ "github.com/xfmoulet/qoi" // registers QOI for DecodeConfig
	_ "golang.org/x/image/bmp"  // registers BMP for DecodeConfig
	_ "golang.org/x/image/webp" // registers WebP for DecodeConfig
)

// ImageInfo is the metadata that can be read from encoded bytes without
// decoding pixels.
type ImageInfo struct {
	Format      string
	Width       int
	Height      int
	Orientation int // EXIF orientation tag (1-8); 0 when absent
	Complete    bool
}

// JPEGEOI is the end-of-image marker appended to truncated JPEG streams.
var JPEGEOI = []byte{0xFF, 0xD9}

// ParseImageInfo sniffs format, dimensions, orientation and completeness.
// Dimensions are -1 when the header cannot be read (e.g. too few bytes).
func ParseImageInfo(data []byte) ImageInfo {
	info := ImageInfo{Format: DetectFormat(data), Width: -1, Height: -1}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		info.Width, info.Height = cfg.Width, cfg.Height
	}
	if info.Format == formatJPEG {
		info.Orientation = JPEGOrientation(data)
	}
	info.Complete = IsComplete(info.Format, data)
	return info
}

// IsComplete reports whether data ends with the trailer of its format.
// Formats without a recognisable trailer are complete when their header parses.
func IsComplete(format string, data []byte) bool {
	switch format {
	case formatJPEG:
		return bytes.HasSuffix(data, JPEGEOI)
	case formatPNG:
		n := len(data)
		return n >= 12 && string(data[n-8:n-4]) == "IEND"
	case formatGIF:
		return len(data) > 0 && data[len(data)-1] == 0x3B
	case formatUnknown:
		return false
	}
	_, _, err := image.DecodeConfig(bytes.NewReader(data))
	return err == nil
}

// JPEGOrientation returns the EXIF orientation tag of a JPEG, or 0.
func JPEGOrientation(data []byte) int {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return 0
	}
	pos := 2
	for pos+4 <= len(data) {
		if data[pos] != 0xFF {
			return 0
		}
		marker := data[pos+1]
		if marker == 0xDA || marker == 0xD9 { // start of scan / end of image
			return 0
		}
		segLen := int(binary.BigEndian.Uint16(data[pos+2:]))
		if segLen < 2 || pos+2+segLen > len(data) {
			return 0
		}
		seg := data[pos+4 : pos+2+segLen]
		if marker == 0xE1 && bytes.HasPrefix(seg, []byte("Exif\x00\x00")) {
			return tiffOrientation(seg[6:])
		}
		pos += 2 + segLen
	}
	return 0
}

func tiffOrientation(tiff []byte) int {
	if len(tiff) < 8 {
		return 0
	}
	var order binary.ByteOrder
	switch string(tiff[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return 0
	}
	ifd := int(order.Uint32(tiff[4:]))
	if ifd+2 > len(tiff) {
		return 0
	}
	count := int(order.Uint16(tiff[ifd:]))
	for i := 0; i < count; i++ {
		entry := ifd + 2 + i*12
		if entry+12 > len(tiff) {
			return 0
		}
		if order.Uint16(tiff[entry:]) == 0x0112 {
			v := int(order.Uint16(tiff[entry+8:]))
			if v >= 1 && v <= 8 {
				return v
			}
			return 0
		}
	}
	return 0
}
