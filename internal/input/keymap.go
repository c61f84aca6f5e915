// Package input translates RDP keyboard and pointer events into evdev
// codes and injects them into the compositor through the session handle.
// Events are batched on a dedicated task so typing stays responsive even
// when the rest of the connection is saturated.
package input

// Linux evdev keycodes for the keys referenced below.
const (
	evKeyRightCtrl = 97
	evKeyKpSlash   = 98
	evKeySysRq     = 99
	evKeyRightAlt  = 100
	evKeyHome      = 102
	evKeyUp        = 103
	evKeyPageUp    = 104
	evKeyLeft      = 105
	evKeyRight     = 106
	evKeyEnd       = 107
	evKeyDown      = 108
	evKeyPageDown  = 109
	evKeyInsert    = 110
	evKeyDelete    = 111
	evKeyKpEnter   = 96
	evKeyPause     = 119
	evKeyLeftMeta  = 125
	evKeyRightMeta = 126
	evKeyCompose   = 127
	evKeyMuhenkan  = 94
	evKeyHenkan    = 92
	evKeyKatakana  = 90
	evKeyHiragana  = 91
	evKeyYen       = 124
	evKeyRo        = 89
	evKeyHangeul   = 122
	evKeyHanja     = 123
)

// Evdev pointer button codes. The simplified 1/2/3 codes some injectors
// accept are a known compositor-dependent trap; only BTN_* values work
// everywhere.
const (
	BtnLeft   = 0x110 // 272
	BtnRight  = 0x111 // 273
	BtnMiddle = 0x112 // 274
	BtnSide   = 0x113 // 275
	BtnExtra  = 0x114 // 276
)

// ScancodeToEvdev maps an RDP scancode (PS/2 set 1, with the extended
// flag from the keyboard event header) to a Linux evdev keycode, honoring
// the client's keyboard layout. Returns 0 for unmapped codes.
func ScancodeToEvdev(scancode uint16, extended bool, layout uint32) int32 {
	if overrides, ok := layoutOverrides[layout]; ok {
		if code, ok := overrides[overrideKey(scancode, extended)]; ok {
			return code
		}
	}

	if extended {
		if code, ok := extendedScancodes[scancode]; ok {
			return code
		}
		return 0
	}

	// The base block of PS/2 set 1 is identity-mapped onto evdev: both
	// inherit the AT keyboard numbering.
	if scancode >= 1 && scancode <= 0x58 {
		return int32(scancode)
	}
	if code, ok := baseScancodes[scancode]; ok {
		return code
	}
	return 0
}

// extendedScancodes maps E0-prefixed set 1 codes to evdev.
var extendedScancodes = map[uint16]int32{
	0x1C: evKeyKpEnter, // keypad enter
	0x1D: evKeyRightCtrl,
	0x35: evKeyKpSlash,
	0x37: evKeySysRq, // print screen
	0x38: evKeyRightAlt,
	0x45: evKeyPause, // num-lock position with E0: pause on some clients
	0x46: evKeyPause, // ctrl+break
	0x47: evKeyHome,
	0x48: evKeyUp,
	0x49: evKeyPageUp,
	0x4B: evKeyLeft,
	0x4D: evKeyRight,
	0x4F: evKeyEnd,
	0x50: evKeyDown,
	0x51: evKeyPageDown,
	0x52: evKeyInsert,
	0x53: evKeyDelete,
	0x5B: evKeyLeftMeta,
	0x5C: evKeyRightMeta,
	0x5D: evKeyCompose, // menu key
}

// baseScancodes covers non-extended codes outside the identity block.
var baseScancodes = map[uint16]int32{
	0x59: evKeyKpEnter, // some clients send keypad equal here; map to enter
	0x70: evKeyHiragana,
	0x73: evKeyRo,
	0x79: evKeyHenkan,
	0x7B: evKeyMuhenkan,
	0x7D: evKeyYen,
	0xF1: evKeyHanja,
	0xF2: evKeyHangeul,
}

func overrideKey(scancode uint16, extended bool) uint32 {
	k := uint32(scancode)
	if extended {
		k |= 0x10000
	}
	return k
}

// layoutOverrides adjusts position-based mapping for layouts whose
// physical keyboards differ from the US 104-key reference. Indexed by
// the client keyboard layout id from the core data block.
var layoutOverrides = map[uint32]map[uint32]int32{
	// 0x411 Japanese (106/109 key): dedicated conversion keys.
	0x411: {
		0x70: evKeyHiragana,
		0x79: evKeyHenkan,
		0x7B: evKeyMuhenkan,
		0x7D: evKeyYen,
		0x73: evKeyRo,
	},
	// 0x412 Korean: Hangul/Hanja on the right of the space bar.
	0x412: {
		0x72: evKeyHangeul,
		0x71: evKeyHanja,
	},
}

// ButtonToEvdev maps an RDP pointer button to its evdev code. Returns 0
// for unknown buttons.
func ButtonToEvdev(button uint8) int32 {
	switch button {
	case 1:
		return BtnLeft
	case 2:
		return BtnRight
	case 3:
		return BtnMiddle
	case 4:
		return BtnSide
	case 5:
		return BtnExtra
	default:
		return 0
	}
}
