package rdp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/text/encoding/unicode"
)

// MS-RDPECLIP message types.
const (
	CBMonitorReady         = 0x0001
	CBFormatList           = 0x0002
	CBFormatListResponse   = 0x0003
	CBFormatDataRequest    = 0x0004
	CBFormatDataResponse   = 0x0005
	CBTempDirectory        = 0x0006
	CBClipCaps             = 0x0007
	CBFileContentsRequest  = 0x0008
	CBFileContentsResponse = 0x0009
	CBLockClipdata         = 0x000A
	CBUnlockClipdata       = 0x000B
)

// MS-RDPECLIP message flags.
const (
	CBResponseOK   = 0x0001
	CBResponseFail = 0x0002
	CBAsciiNames   = 0x0004
)

// General capability flags (CB_CAPS).
const (
	CapUseLongFormatNames    = 0x0002
	CapStreamFileclipEnabled = 0x0004
	CapFileclipNoFilePaths   = 0x0008
	CapCanLockClipdata       = 0x0010
	CapHugeFileSupport       = 0x0020
)

// Predefined Windows clipboard format ids. Ids below FormatIDRegisteredMin
// are predefined and MUST be announced with an empty format name; sending
// "CF_TEXT" etc. on the wire is nonconformant and breaks some clients.
const (
	CFText        = 1
	CFBitmap      = 2
	CFDib         = 8
	CFUnicodeText = 13
	CFHdrop       = 15
	CFDibV5       = 17

	FormatIDRegisteredMin = 0xC000
)

// Well-known registered format names.
const (
	FormatNameFileGroupDescriptorW = "FileGroupDescriptorW"
	FormatNameFileContents         = "FileContents"
	FormatNamePreferredDropEffect  = "Preferred DropEffect"
)

// ClipCaps is the negotiated clipboard capability set.
type ClipCaps struct {
	Flags uint32
}

// CanLock reports whether CB_LOCK_CLIPDATA may bracket format lists.
func (c ClipCaps) CanLock() bool { return c.Flags&CapCanLockClipdata != 0 }

// LongFormatNames reports whether long format name encoding is in use.
func (c ClipCaps) LongFormatNames() bool { return c.Flags&CapUseLongFormatNames != 0 }

// ClipFormat is one entry of a CB_FORMAT_LIST.
type ClipFormat struct {
	ID uint32
	// Name is the registered format name. Empty for predefined formats
	// (ID < FormatIDRegisteredMin) per MS-RDPECLIP.
	Name string
}

// FileContentsRequest flags.
const (
	FileContentsSize  = 0x0001
	FileContentsRange = 0x0002
)

// FileContentsRequest is a CB_FILECONTENTS_REQUEST body.
type FileContentsRequest struct {
	StreamID   uint32
	ListIndex  uint32
	Flags      uint32 // FileContentsSize or FileContentsRange
	Position   uint64
	Requested  uint32
	ClipDataID uint32
	HasClipID  bool
}

// FileContentsResponse is a CB_FILECONTENTS_RESPONSE body.
type FileContentsResponse struct {
	StreamID uint32
	Data     []byte
	OK       bool
}

// FILEDESCRIPTORW flag bits (dwFlags field).
const (
	FDAttributes     = 0x00000004
	FDFileSize       = 0x00000040
	FDWritesTime     = 0x00000020
	FDShowProgressUI = 0x00004000
)

// Windows file attribute bits used in descriptors.
const (
	FileAttributeNormal    = 0x80
	FileAttributeDirectory = 0x10
)

const (
	// fileDescriptorSize is the fixed wire size of one FILEDESCRIPTORW:
	// flags(4) clsid(16) sizel(8) pointl(8) attrs(4) created(8) accessed(8)
	// written(8) sizeHigh(4) sizeLow(4) name(520).
	fileDescriptorSize = 592

	fileNameChars = 260
)

var (
	ErrTruncatedDescriptor = errors.New("cliprdr: truncated file descriptor")
	ErrDescriptorName      = errors.New("cliprdr: invalid descriptor file name")
)

var (
	utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
)

// EncodeUTF16LE converts UTF-8 to UTF-16LE without a trailing null.
func EncodeUTF16LE(s string) ([]byte, error) {
	return utf16LE.NewEncoder().Bytes([]byte(s))
}

// DecodeUTF16LE converts UTF-16LE bytes (without BOM) to UTF-8. A single
// trailing null terminator is stripped if present. Odd-length input is a
// data conversion error, never a panic.
func DecodeUTF16LE(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", errors.New("cliprdr: truncated UTF-16 sequence")
	}
	if len(b) >= 2 && b[len(b)-2] == 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-2]
	}
	out, err := utf16LE.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("cliprdr: decode UTF-16: %w", err)
	}
	return string(out), nil
}

// FileDescriptor mirrors the FILEDESCRIPTORW metadata block carried in a
// FileGroupDescriptorW clipboard payload.
type FileDescriptor struct {
	Flags      uint32
	Attributes uint32
	WriteTime  time.Time
	Size       uint64
	Name       string // relative path, backslash-separated on the wire
}

// EncodeFileGroupDescriptor builds the FileGroupDescriptorW payload:
// cItems(4) followed by one 592-byte descriptor per file.
func EncodeFileGroupDescriptor(files []FileDescriptor) ([]byte, error) {
	buf := make([]byte, 4, 4+len(files)*fileDescriptorSize)
	binary.LittleEndian.PutUint32(buf, uint32(len(files)))

	for _, fd := range files {
		desc := make([]byte, fileDescriptorSize)
		flags := fd.Flags
		if flags == 0 {
			flags = FDAttributes | FDFileSize | FDWritesTime | FDShowProgressUI
		}
		binary.LittleEndian.PutUint32(desc[0:], flags)
		// clsid(16) + sizel(8) + pointl(8) stay zero.
		binary.LittleEndian.PutUint32(desc[36:], fd.Attributes)
		ft := timeToFiletime(fd.WriteTime)
		binary.LittleEndian.PutUint64(desc[40:], ft) // creation
		binary.LittleEndian.PutUint64(desc[48:], ft) // last access
		binary.LittleEndian.PutUint64(desc[56:], ft) // last write
		binary.LittleEndian.PutUint32(desc[64:], uint32(fd.Size>>32))
		binary.LittleEndian.PutUint32(desc[68:], uint32(fd.Size))

		name, err := EncodeUTF16LE(fd.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrDescriptorName, fd.Name)
		}
		if len(name) > (fileNameChars-1)*2 {
			return nil, fmt.Errorf("%w: %q exceeds %d characters", ErrDescriptorName, fd.Name, fileNameChars-1)
		}
		copy(desc[72:], name) // remainder stays zero = null terminated

		buf = append(buf, desc...)
	}
	return buf, nil
}

// ParseFileGroupDescriptor parses a FileGroupDescriptorW payload.
func ParseFileGroupDescriptor(data []byte) ([]FileDescriptor, error) {
	if len(data) < 4 {
		return nil, ErrTruncatedDescriptor
	}
	count := binary.LittleEndian.Uint32(data)
	data = data[4:]
	if uint64(len(data)) < uint64(count)*fileDescriptorSize {
		return nil, fmt.Errorf("%w: %d items in %d bytes", ErrTruncatedDescriptor, count, len(data))
	}

	files := make([]FileDescriptor, 0, count)
	for i := uint32(0); i < count; i++ {
		desc := data[i*fileDescriptorSize : (i+1)*fileDescriptorSize]

		nameRaw := desc[72 : 72+fileNameChars*2]
		end := len(nameRaw)
		for j := 0; j+1 < len(nameRaw); j += 2 {
			if nameRaw[j] == 0 && nameRaw[j+1] == 0 {
				end = j
				break
			}
		}
		name, err := DecodeUTF16LE(nameRaw[:end])
		if err != nil {
			return nil, err
		}

		files = append(files, FileDescriptor{
			Flags:      binary.LittleEndian.Uint32(desc[0:]),
			Attributes: binary.LittleEndian.Uint32(desc[36:]),
			WriteTime:  filetimeToTime(binary.LittleEndian.Uint64(desc[56:])),
			Size: uint64(binary.LittleEndian.Uint32(desc[64:]))<<32 |
				uint64(binary.LittleEndian.Uint32(desc[68:])),
			Name: name,
		})
	}
	return files, nil
}

// EncodeFormatList builds the CB_FORMAT_LIST body using long format
// names: formatId(4) + UTF-16LE null-terminated name per entry. Names of
// predefined formats are forced empty on the wire regardless of input.
func EncodeFormatList(formats []ClipFormat) ([]byte, error) {
	var buf []byte
	for _, f := range formats {
		entry := make([]byte, 4)
		binary.LittleEndian.PutUint32(entry, f.ID)
		name := f.Name
		if f.ID < FormatIDRegisteredMin {
			name = ""
		}
		enc, err := EncodeUTF16LE(name)
		if err != nil {
			return nil, fmt.Errorf("cliprdr: encode format name %q: %w", name, err)
		}
		entry = append(entry, enc...)
		entry = append(entry, 0, 0)
		buf = append(buf, entry...)
	}
	return buf, nil
}

// ParseFormatList parses a long-format-name CB_FORMAT_LIST body.
func ParseFormatList(data []byte) ([]ClipFormat, error) {
	var formats []ClipFormat
	for len(data) > 0 {
		if len(data) < 6 {
			return nil, errors.New("cliprdr: truncated format list entry")
		}
		id := binary.LittleEndian.Uint32(data)
		data = data[4:]

		end := -1
		for j := 0; j+1 < len(data); j += 2 {
			if data[j] == 0 && data[j+1] == 0 {
				end = j
				break
			}
		}
		if end < 0 {
			return nil, errors.New("cliprdr: unterminated format name")
		}
		name, err := DecodeUTF16LE(data[:end])
		if err != nil {
			return nil, err
		}
		data = data[end+2:]

		formats = append(formats, ClipFormat{ID: id, Name: name})
	}
	return formats, nil
}

// Windows FILETIME epoch offset from Unix epoch, in 100ns intervals.
const filetimeEpochDelta = 116444736000000000

func timeToFiletime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano()/100) + filetimeEpochDelta
}

func filetimeToTime(ft uint64) time.Time {
	if ft == 0 {
		return time.Time{}
	}
	return time.Unix(0, (int64(ft)-filetimeEpochDelta)*100)
}
