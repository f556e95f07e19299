// Package kiss carries PDUs over a KISS-framed byte stream, as spoken by
// radio TNCs on a serial line or a TCP port.
package kiss

const (
	FEND  = 0xC0
	FESC  = 0xDB
	TFEND = 0xDC
	TFESC = 0xDD

	cmdData = 0x00
)

// Encode wraps payload in a KISS data frame for the given TNC port (0-15).
func Encode(port uint8, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+len(payload)/8+3)
	out = append(out, FEND, (port&0x0F)<<4|cmdData)
	for _, b := range payload {
		switch b {
		case FEND:
			out = append(out, FESC, TFEND)
		case FESC:
			out = append(out, FESC, TFESC)
		default:
			out = append(out, b)
		}
	}
	return append(out, FEND)
}

// Frame is a decoded KISS frame.
type Frame struct {
	Port    uint8
	Command uint8
	Payload []byte
}

// Decoder reassembles frames from a byte stream fed in arbitrary pieces.
type Decoder struct {
	buf     []byte
	inFrame bool
	escaped bool
	max     int
}

// NewDecoder returns a decoder that discards frames longer than maxFrame bytes.
func NewDecoder(maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = 64 * 1024
	}
	return &Decoder{max: maxFrame}
}

// Feed consumes data and returns the frames it completed. Empty frames
// (back-to-back FENDs) are skipped.
func (d *Decoder) Feed(data []byte) []Frame {
	var frames []Frame
	for _, b := range data {
		if b == FEND {
			if d.inFrame && len(d.buf) > 0 {
				frames = append(frames, Frame{
					Port:    d.buf[0] >> 4,
					Command: d.buf[0] & 0x0F,
					Payload: append([]byte(nil), d.buf[1:]...),
				})
			}
			d.buf = d.buf[:0]
			d.inFrame = true
			d.escaped = false
			continue
		}
		if !d.inFrame {
			continue
		}
		if d.escaped {
			d.escaped = false
			switch b {
			case TFEND:
				b = FEND
			case TFESC:
				b = FESC
			}
		} else if b == FESC {
			d.escaped = true
			continue
		}
		if len(d.buf) >= d.max {
			// oversized: drop until the next FEND
			d.inFrame = false
			d.buf = d.buf[:0]
			continue
		}
		d.buf = append(d.buf, b)
	}
	return frames
}
