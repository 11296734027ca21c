package codec

import (
	"encoding/binary"
	"fmt"
)

// Event codes for RFC 4733 telephone-event payloads: 0-9, *, #, A-D.
const (
	Digit0 uint8 = iota
	Digit1
	Digit2
	Digit3
	Digit4
	Digit5
	Digit6
	Digit7
	Digit8
	Digit9
	DigitStar
	DigitPound
	DigitA
	DigitB
	DigitC
	DigitD
)

// Default DTMF event parameters shared by the relay's injector and the
// in-band tone generator.
const (
	DefaultToneVolume   uint8  = 10
	DefaultToneDuration uint16 = 1600 // 200ms @ 8kHz
	MinToneDuration     uint16 = 320  // 40ms @ 8kHz, minimum on-duration before a tone counts as a digit
	OffTimeSamples      uint16 = 120  // 15ms @ 8kHz, off-time dedup window between repeated digits
)

// RuneToEvent converts a dialed digit character to its RFC 4733 event code.
func RuneToEvent(r rune) (uint8, bool) {
	switch r {
	case '0':
		return Digit0, true
	case '1':
		return Digit1, true
	case '2':
		return Digit2, true
	case '3':
		return Digit3, true
	case '4':
		return Digit4, true
	case '5':
		return Digit5, true
	case '6':
		return Digit6, true
	case '7':
		return Digit7, true
	case '8':
		return Digit8, true
	case '9':
		return Digit9, true
	case '*':
		return DigitStar, true
	case '#':
		return DigitPound, true
	case 'A', 'a':
		return DigitA, true
	case 'B', 'b':
		return DigitB, true
	case 'C', 'c':
		return DigitC, true
	case 'D', 'd':
		return DigitD, true
	}
	return 0, false
}

// EventToRune is the inverse of RuneToEvent.
func EventToRune(event uint8) (rune, bool) {
	switch event {
	case Digit0:
		return '0', true
	case Digit1:
		return '1', true
	case Digit2:
		return '2', true
	case Digit3:
		return '3', true
	case Digit4:
		return '4', true
	case Digit5:
		return '5', true
	case Digit6:
		return '6', true
	case Digit7:
		return '7', true
	case Digit8:
		return '8', true
	case Digit9:
		return '9', true
	case DigitStar:
		return '*', true
	case DigitPound:
		return '#', true
	case DigitA:
		return 'A', true
	case DigitB:
		return 'B', true
	case DigitC:
		return 'C', true
	case DigitD:
		return 'D', true
	}
	return 0, false
}

// RFC2833Event is the 4-byte telephone-event payload described in RFC 4733.
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     event     |E|R| volume    |          duration             |
type RFC2833Event struct {
	Event    uint8
	End      bool
	Volume   uint8
	Duration uint16
}

// Encode serializes the event to its 4-byte wire form.
func (e RFC2833Event) Encode() []byte {
	b := make([]byte, 4)
	b[0] = e.Event
	b[1] = e.Volume & 0x3F
	if e.End {
		b[1] |= 0x80
	}
	binary.BigEndian.PutUint16(b[2:], e.Duration)
	return b
}

// DecodeRFC2833Event parses a 4-byte telephone-event payload.
func DecodeRFC2833Event(payload []byte) (RFC2833Event, error) {
	if len(payload) < 4 {
		return RFC2833Event{}, fmt.Errorf("dtmf payload too short: %d bytes", len(payload))
	}
	return RFC2833Event{
		Event:    payload[0],
		End:      payload[1]&0x80 != 0,
		Volume:   payload[1] & 0x3F,
		Duration: binary.BigEndian.Uint16(payload[2:]),
	}, nil
}
