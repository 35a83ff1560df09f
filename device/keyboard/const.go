package keyboard

import "fmt"

// Modifier key bitmasks
const (
	ModLeftCtrl   = 0x01
	ModLeftShift  = 0x02
	ModLeftAlt    = 0x04
	ModLeftGUI    = 0x08 // Windows/Command key
	ModRightCtrl  = 0x10
	ModRightShift = 0x20
	ModRightAlt   = 0x40
	ModRightGUI   = 0x80
)

// KeyErrorRollOver fills every key slot when more than six keys are down.
const KeyErrorRollOver = 0x01

// HID Usage codes for keyboard keys (USB HID Keyboard/Keypad usage page)
const (
	KeyA = 0x04
	KeyZ = 0x1D

	Key1 = 0x1E
	Key9 = 0x26
	Key0 = 0x27

	KeyEnter      = 0x28
	KeyEscape     = 0x29
	KeyBackspace  = 0x2A
	KeyTab        = 0x2B
	KeySpace      = 0x2C
	KeyMinus      = 0x2D // - and _
	KeyEqual      = 0x2E // = and +
	KeyLeftBrace  = 0x2F // [ and {
	KeyRightBrace = 0x30 // ] and }
	KeyBackslash  = 0x31 // \ and |
	KeySemicolon  = 0x33 // ; and :
	KeyApostrophe = 0x34 // ' and "
	KeyGrave      = 0x35 // ` and ~
	KeyComma      = 0x36 // , and <
	KeyPeriod     = 0x37 // . and >
	KeySlash      = 0x38 // / and ?
	KeyCapsLock   = 0x39

	KeyF1  = 0x3A
	KeyF12 = 0x45

	KeyRight = 0x4F
	KeyLeft  = 0x50
	KeyDown  = 0x51
	KeyUp    = 0x52
)

var specialNames = map[uint8]string{
	KeyEnter:      "Enter",
	KeyEscape:     "Escape",
	KeyBackspace:  "Backspace",
	KeyTab:        "Tab",
	KeySpace:      "Space",
	KeyMinus:      "-",
	KeyEqual:      "=",
	KeyLeftBrace:  "[",
	KeyRightBrace: "]",
	KeyBackslash:  "\\",
	KeySemicolon:  ";",
	KeyApostrophe: "'",
	KeyGrave:      "`",
	KeyComma:      ",",
	KeyPeriod:     ".",
	KeySlash:      "/",
	KeyCapsLock:   "CapsLock",
	KeyRight:      "Right",
	KeyLeft:       "Left",
	KeyDown:       "Down",
	KeyUp:         "Up",
}

// KeyName returns a human-readable name for a usage code.
func KeyName(code uint8) string {
	switch {
	case code >= KeyA && code <= KeyZ:
		return string(rune('A' + code - KeyA))
	case code >= Key1 && code <= Key9:
		return string(rune('1' + code - Key1))
	case code == Key0:
		return "0"
	case code >= KeyF1 && code <= KeyF12:
		return fmt.Sprintf("F%d", code-KeyF1+1)
	}
	if name, ok := specialNames[code]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", code)
}

var shiftedDigits = ")!@#$%^&*("

var symbolKeys = map[byte]struct {
	key   uint8
	shift bool
}{
	' ': {KeySpace, false}, '\n': {KeyEnter, false}, '\r': {KeyEnter, false}, '\t': {KeyTab, false},
	'-': {KeyMinus, false}, '_': {KeyMinus, true},
	'=': {KeyEqual, false}, '+': {KeyEqual, true},
	'[': {KeyLeftBrace, false}, '{': {KeyLeftBrace, true},
	']': {KeyRightBrace, false}, '}': {KeyRightBrace, true},
	'\\': {KeyBackslash, false}, '|': {KeyBackslash, true},
	';': {KeySemicolon, false}, ':': {KeySemicolon, true},
	'\'': {KeyApostrophe, false}, '"': {KeyApostrophe, true},
	'`': {KeyGrave, false}, '~': {KeyGrave, true},
	',': {KeyComma, false}, '<': {KeyComma, true},
	'.': {KeyPeriod, false}, '>': {KeyPeriod, true},
	'/': {KeySlash, false}, '?': {KeySlash, true},
}

// CharToKey maps an ASCII character to its usage code and whether Shift is
// needed.
func CharToKey(c byte) (key uint8, shift bool, ok bool) {
	switch {
	case c >= 'a' && c <= 'z':
		return KeyA + (c - 'a'), false, true
	case c >= 'A' && c <= 'Z':
		return KeyA + (c - 'A'), true, true
	case c == '0':
		return Key0, false, true
	case c >= '1' && c <= '9':
		return Key1 + (c - '1'), false, true
	}
	for i := 0; i < len(shiftedDigits); i++ {
		if shiftedDigits[i] == c {
			if i == 0 {
				return Key0, true, true
			}
			return Key1 + uint8(i-1), true, true
		}
	}
	if s, found := symbolKeys[c]; found {
		return s.key, s.shift, true
	}
	return 0, false, false
}
