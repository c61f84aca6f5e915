// Package clipboard bridges the RDP clipboard virtual channel
// (MS-RDPECLIP) and the Wayland clipboard (portal). A bidirectional
// state machine with three-layer echo suppression keeps the two sides
// converging instead of ping-ponging.
package clipboard

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/png"

	"github.com/lamco-admin/lamco-rdp/internal/rdp"
)

// MIME types the engine understands.
const (
	mimeTextUTF8   = "text/plain;charset=utf-8"
	mimeTextPlain  = "text/plain"
	mimeUTF8String = "UTF8_STRING"
	mimeString     = "STRING"
	mimePNG        = "image/png"
	mimeBMP        = "image/bmp"
	mimeURIList    = "text/uri-list"
)

// Registered format ids the server assigns when announcing its own
// format lists. Client-side ids for the same names are learned from the
// client's CB_FORMAT_LIST.
const (
	serverFormatFileGroupDescriptor = 0xC001
	serverFormatFileContents        = 0xC002
)

// textMimes in preference order for reading the local selection.
var textMimes = []string{mimeTextUTF8, mimeTextPlain, mimeUTF8String, mimeString}

var ErrUnsupportedFormat = errors.New("clipboard: unsupported format")

// FormatsToMimes translates an RDP format list into the MIME types to
// announce on the portal selection.
func FormatsToMimes(formats []rdp.ClipFormat) []string {
	var mimes []string
	seen := map[string]bool{}
	add := func(m string) {
		if !seen[m] {
			seen[m] = true
			mimes = append(mimes, m)
		}
	}

	for _, f := range formats {
		switch {
		case f.ID == rdp.CFUnicodeText || f.ID == rdp.CFText:
			for _, m := range textMimes {
				add(m)
			}
		case f.ID == rdp.CFDib || f.ID == rdp.CFDibV5:
			add(mimePNG)
			add(mimeBMP)
		case f.ID == rdp.CFHdrop || f.Name == rdp.FormatNameFileGroupDescriptorW:
			add(mimeURIList)
		}
	}
	return mimes
}

// MimesToFormats translates local MIME types into the format list to
// announce to the RDP client. Predefined format names stay empty on the
// wire; only registered formats carry names.
func MimesToFormats(mimes []string) []rdp.ClipFormat {
	var formats []rdp.ClipFormat
	have := map[uint32]bool{}
	add := func(f rdp.ClipFormat) {
		if !have[f.ID] {
			have[f.ID] = true
			formats = append(formats, f)
		}
	}

	for _, m := range mimes {
		switch m {
		case mimeTextUTF8, mimeTextPlain, mimeUTF8String, mimeString:
			add(rdp.ClipFormat{ID: rdp.CFUnicodeText})
			add(rdp.ClipFormat{ID: rdp.CFText})
		case mimePNG, mimeBMP:
			add(rdp.ClipFormat{ID: rdp.CFDib})
		case mimeURIList:
			add(rdp.ClipFormat{ID: rdp.CFHdrop})
			add(rdp.ClipFormat{ID: serverFormatFileGroupDescriptor, Name: rdp.FormatNameFileGroupDescriptorW})
			add(rdp.ClipFormat{ID: serverFormatFileContents, Name: rdp.FormatNameFileContents})
		}
	}
	return formats
}

// preferredMimeForFormat picks the MIME type to read locally when the
// client requests the given format.
func preferredMimeForFormat(formatID uint32) string {
	switch formatID {
	case rdp.CFUnicodeText, rdp.CFText:
		return mimeTextUTF8
	case rdp.CFDib, rdp.CFDibV5:
		return mimePNG
	case rdp.CFHdrop:
		return mimeURIList
	default:
		return ""
	}
}

// formatForMime picks the RDP format id to request when a local app
// wants the given MIME type, from the formats the client advertised.
func formatForMime(mime string, advertised []rdp.ClipFormat) (uint32, bool) {
	want := func(pred func(rdp.ClipFormat) bool) (uint32, bool) {
		for _, f := range advertised {
			if pred(f) {
				return f.ID, true
			}
		}
		return 0, false
	}

	switch mime {
	case mimeTextUTF8, mimeTextPlain, mimeUTF8String, mimeString:
		if id, ok := want(func(f rdp.ClipFormat) bool { return f.ID == rdp.CFUnicodeText }); ok {
			return id, true
		}
		return want(func(f rdp.ClipFormat) bool { return f.ID == rdp.CFText })
	case mimePNG, mimeBMP:
		if id, ok := want(func(f rdp.ClipFormat) bool { return f.ID == rdp.CFDib }); ok {
			return id, true
		}
		return want(func(f rdp.ClipFormat) bool { return f.ID == rdp.CFDibV5 })
	case mimeURIList:
		return want(func(f rdp.ClipFormat) bool { return f.Name == rdp.FormatNameFileGroupDescriptorW })
	default:
		return 0, false
	}
}

// TextToWire converts UTF-8 clipboard text to CF_UNICODETEXT wire form:
// UTF-16LE with a trailing null.
func TextToWire(utf8Text []byte) ([]byte, error) {
	enc, err := rdp.EncodeUTF16LE(string(utf8Text))
	if err != nil {
		return nil, fmt.Errorf("clipboard: encode text: %w", err)
	}
	return append(enc, 0, 0), nil
}

// TextFromWire converts CF_UNICODETEXT bytes to UTF-8, stripping the
// trailing null. Truncated UTF-16 is a data conversion error.
func TextFromWire(wire []byte) ([]byte, error) {
	s, err := rdp.DecodeUTF16LE(wire)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// DIB (BITMAPINFOHEADER) geometry constants.
const (
	dibHeaderSize = 40
	bmpFileHeader = 14
)

// DIBToPNG converts a CF_DIB payload (BITMAPINFOHEADER + pixels, no BMP
// file header) to PNG. Only uncompressed 24/32-bpp DIBs are handled —
// that is what real clients put on the clipboard. Malformed DIBs error
// out; they never crash the engine.
func DIBToPNG(dib []byte) ([]byte, error) {
	if len(dib) < dibHeaderSize {
		return nil, errors.New("clipboard: DIB shorter than BITMAPINFOHEADER")
	}

	headerSize := binary.LittleEndian.Uint32(dib[0:])
	if headerSize < dibHeaderSize {
		return nil, fmt.Errorf("clipboard: DIB header size %d invalid", headerSize)
	}
	width := int(int32(binary.LittleEndian.Uint32(dib[4:])))
	height := int(int32(binary.LittleEndian.Uint32(dib[8:])))
	bpp := int(binary.LittleEndian.Uint16(dib[14:]))
	compression := binary.LittleEndian.Uint32(dib[16:])

	if compression != 0 { // BI_RGB only
		return nil, fmt.Errorf("clipboard: compressed DIB (%d) unsupported", compression)
	}
	if bpp != 24 && bpp != 32 {
		return nil, fmt.Errorf("clipboard: %d-bpp DIB unsupported", bpp)
	}
	if width <= 0 || width > 32768 {
		return nil, fmt.Errorf("clipboard: DIB width %d invalid", width)
	}

	topDown := false
	if height < 0 {
		topDown = true
		height = -height
	}
	if height == 0 || height > 32768 {
		return nil, fmt.Errorf("clipboard: DIB height invalid")
	}

	colorsUsed := int(binary.LittleEndian.Uint32(dib[32:]))
	pixelOffset := int(headerSize) + colorsUsed*4
	rowSize := (width*bpp/8 + 3) &^ 3
	if len(dib) < pixelOffset+rowSize*height {
		return nil, errors.New("clipboard: truncated DIB pixel data")
	}
	pixels := dib[pixelOffset:]

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		srcY := height - 1 - y
		if topDown {
			srcY = y
		}
		row := pixels[srcY*rowSize:]
		for x := 0; x < width; x++ {
			var b, g, r, a byte
			if bpp == 32 {
				b, g, r, a = row[x*4], row[x*4+1], row[x*4+2], 0xFF
			} else {
				b, g, r, a = row[x*3], row[x*3+1], row[x*3+2], 0xFF
			}
			i := img.PixOffset(x, y)
			img.Pix[i+0] = r
			img.Pix[i+1] = g
			img.Pix[i+2] = b
			img.Pix[i+3] = a
		}
	}

	var out bytes.Buffer
	if err := png.Encode(&out, img); err != nil {
		return nil, fmt.Errorf("clipboard: encode PNG: %w", err)
	}
	return out.Bytes(), nil
}

// PNGToDIB converts a PNG payload to CF_DIB: BITMAPINFOHEADER + BGRA
// rows, bottom-up, no file header.
func PNGToDIB(pngData []byte) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(pngData))
	if err != nil {
		return nil, fmt.Errorf("clipboard: decode PNG: %w", err)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	out := make([]byte, dibHeaderSize+w*h*4)
	binary.LittleEndian.PutUint32(out[0:], dibHeaderSize)
	binary.LittleEndian.PutUint32(out[4:], uint32(w))
	binary.LittleEndian.PutUint32(out[8:], uint32(h)) // positive: bottom-up
	binary.LittleEndian.PutUint16(out[12:], 1)        // planes
	binary.LittleEndian.PutUint16(out[14:], 32)       // bpp
	binary.LittleEndian.PutUint32(out[16:], 0)        // BI_RGB
	binary.LittleEndian.PutUint32(out[20:], uint32(w*h*4))

	pixels := out[dibHeaderSize:]
	for y := 0; y < h; y++ {
		// DIB rows are stored bottom-up.
		dstRow := (h - 1 - y) * w * 4
		for x := 0; x < w; x++ {
			r, g, bl, a := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := dstRow + x*4
			pixels[i+0] = byte(bl >> 8)
			pixels[i+1] = byte(g >> 8)
			pixels[i+2] = byte(r >> 8)
			pixels[i+3] = byte(a >> 8)
		}
	}
	return out, nil
}

// ConvertToWire converts local clipboard bytes into the wire form of the
// requested RDP format.
func ConvertToWire(formatID uint32, mime string, data []byte) ([]byte, error) {
	switch formatID {
	case rdp.CFUnicodeText:
		return TextToWire(data)
	case rdp.CFText:
		return append(append([]byte(nil), data...), 0), nil
	case rdp.CFDib, rdp.CFDibV5:
		if mime == mimeBMP {
			// Strip the file header; the rest already is a DIB.
			if len(data) > bmpFileHeader {
				return data[bmpFileHeader:], nil
			}
			return nil, errors.New("clipboard: BMP too short")
		}
		return PNGToDIB(data)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, formatID)
	}
}

// ConvertFromWire converts RDP clipboard bytes into the local form for
// the given MIME type.
func ConvertFromWire(formatID uint32, mime string, data []byte) ([]byte, error) {
	switch formatID {
	case rdp.CFUnicodeText:
		return TextFromWire(data)
	case rdp.CFText:
		return bytes.TrimRight(data, "\x00"), nil
	case rdp.CFDib, rdp.CFDibV5:
		if mime == mimeBMP {
			// Callers asking for BMP get the original DIB plus file header.
			out := make([]byte, bmpFileHeader+len(data))
			out[0], out[1] = 'B', 'M'
			binary.LittleEndian.PutUint32(out[2:], uint32(len(out)))
			binary.LittleEndian.PutUint32(out[10:], uint32(bmpFileHeader+dibHeaderSize))
			copy(out[bmpFileHeader:], data)
			return out, nil
		}
		return DIBToPNG(data)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, formatID)
	}
}
