package pdu

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	protocolVersion = 1
	headerFixedLen  = 4
	maxDataField    = 0xFFFF
	tlvFaultLoc     = byte(0x06)
)

var (
	// ErrTruncated is returned when a buffer ends before the PDU does.
	ErrTruncated = errors.New("pdu: truncated")
	// ErrUnsupported is returned for well-formed PDUs this codec does not handle.
	ErrUnsupported = errors.New("pdu: unsupported")
	// ErrCRC is returned when the CRC-16 trailer does not match.
	ErrCRC = errors.New("pdu: crc mismatch")
	// ErrInvalid is returned for field values that cannot be encoded.
	ErrInvalid = errors.New("pdu: invalid field")
)

// Encode serializes a PDU into its binary form.
func Encode(p PDU) ([]byte, error) {
	hdr := p.PDUHeader()
	var body []byte
	switch v := p.(type) {
	case *FileData:
		hdr.Directive = false
		hdr.SegmentMetadata = false
		body = appendOffset(nil, v.Offset, hdr.LargeFile)
		body = append(body, v.Data...)
	case *Metadata:
		hdr.Directive = true
		flags := v.ChecksumType & 0x0F
		if v.ClosureRequested {
			flags |= 0x40
		}
		body = []byte{byte(DirectiveMetadata), flags}
		body = appendOffset(body, v.FileSize, hdr.LargeFile)
		var err error
		if body, err = appendLV(body, v.SourceFilename); err != nil {
			return nil, err
		}
		if body, err = appendLV(body, v.DestinationFilename); err != nil {
			return nil, err
		}
	case *EOF:
		hdr.Directive = true
		body = []byte{byte(DirectiveEOF), byte(v.ConditionCode&0x0F) << 4}
		body = binary.BigEndian.AppendUint32(body, v.Checksum)
		body = appendOffset(body, v.FileSize, hdr.LargeFile)
		if v.ConditionCode != NoError {
			// fault location: the entity that detected the condition
			body = append(body, tlvFaultLoc, byte(entityLen(hdr)))
			var err error
			if body, err = appendUint(body, hdr.SourceID, entityLen(hdr)); err != nil {
				return nil, err
			}
		}
	case *Finished:
		hdr.Directive = true
		b := byte(v.ConditionCode&0x0F)<<4 | byte(v.FileStatus&0x03)
		if !v.DataComplete {
			b |= 0x04
		}
		body = []byte{byte(DirectiveFinished), b}
	case *Ack:
		hdr.Directive = true
		body = []byte{
			byte(DirectiveAck),
			byte(v.Directive&0x0F)<<4 | v.SubtypeCode&0x0F,
			byte(v.ConditionCode&0x0F)<<4 | byte(v.TransactionStatus&0x03),
		}
	case *Nak:
		hdr.Directive = true
		body = []byte{byte(DirectiveNak)}
		body = appendOffset(body, v.StartOfScope, hdr.LargeFile)
		body = appendOffset(body, v.EndOfScope, hdr.LargeFile)
		for _, s := range v.Segments {
			body = appendOffset(body, s.Start, hdr.LargeFile)
			body = appendOffset(body, s.End, hdr.LargeFile)
		}
	default:
		return nil, fmt.Errorf("%w: pdu type %T", ErrUnsupported, p)
	}

	fieldLen := len(body)
	if hdr.CRC {
		fieldLen += 2
	}
	if fieldLen > maxDataField {
		return nil, fmt.Errorf("%w: data field length %d", ErrInvalid, fieldLen)
	}
	out, err := appendHeader(make([]byte, 0, headerFixedLen+24+fieldLen), hdr, fieldLen)
	if err != nil {
		return nil, err
	}
	out = append(out, body...)
	if hdr.CRC {
		out = binary.BigEndian.AppendUint16(out, crc16(out))
	}
	return out, nil
}

// Decode parses one PDU from b. File data payloads alias b.
func Decode(b []byte) (PDU, error) {
	hdr, fieldLen, n, err := decodeHeader(b)
	if err != nil {
		return nil, err
	}
	if len(b) < n+fieldLen {
		return nil, fmt.Errorf("%w: data field needs %d bytes, have %d", ErrTruncated, fieldLen, len(b)-n)
	}
	field := b[n : n+fieldLen]
	if hdr.CRC {
		if len(field) < 2 {
			return nil, fmt.Errorf("%w: missing crc", ErrTruncated)
		}
		want := binary.BigEndian.Uint16(field[len(field)-2:])
		if got := crc16(b[:n+fieldLen-2]); got != want {
			return nil, fmt.Errorf("%w: got %#04x want %#04x", ErrCRC, got, want)
		}
		field = field[:len(field)-2]
	}

	r := &cursor{buf: field}
	if !hdr.Directive {
		return decodeFileData(hdr, r)
	}
	code := DirectiveCode(r.u8())
	switch code {
	case DirectiveMetadata:
		flags := r.u8()
		m := &Metadata{
			Header:           hdr,
			ClosureRequested: flags&0x40 != 0,
			ChecksumType:     flags & 0x0F,
			FileSize:         r.offset(hdr.LargeFile),
		}
		m.SourceFilename = r.lv()
		m.DestinationFilename = r.lv()
		return m, r.err
	case DirectiveEOF:
		flags := r.u8()
		e := &EOF{
			Header:        hdr,
			ConditionCode: ConditionCode(flags >> 4),
			Checksum:      r.u32(),
			FileSize:      r.offset(hdr.LargeFile),
		}
		return e, r.err
	case DirectiveFinished:
		flags := r.u8()
		f := &Finished{
			Header:        hdr,
			ConditionCode: ConditionCode(flags >> 4),
			DataComplete:  flags&0x04 == 0,
			FileStatus:    FileStatus(flags & 0x03),
		}
		return f, r.err
	case DirectiveAck:
		b1 := r.u8()
		b2 := r.u8()
		a := &Ack{
			Header:            hdr,
			Directive:         DirectiveCode(b1 >> 4),
			SubtypeCode:       b1 & 0x0F,
			ConditionCode:     ConditionCode(b2 >> 4),
			TransactionStatus: TransactionStatus(b2 & 0x03),
		}
		return a, r.err
	case DirectiveNak:
		nak := &Nak{
			Header:       hdr,
			StartOfScope: r.offset(hdr.LargeFile),
			EndOfScope:   r.offset(hdr.LargeFile),
		}
		for r.err == nil && r.remaining() > 0 {
			s := SegmentRequest{Start: r.offset(hdr.LargeFile), End: r.offset(hdr.LargeFile)}
			if r.err == nil {
				nak.Segments = append(nak.Segments, s)
			}
		}
		return nak, r.err
	default:
		if r.err != nil {
			return nil, r.err
		}
		return nil, fmt.Errorf("%w: directive %s", ErrUnsupported, code)
	}
}

func decodeFileData(hdr Header, r *cursor) (PDU, error) {
	if hdr.SegmentMetadata {
		b := r.u8()
		r.skip(int(b & 0x3F))
	}
	fd := &FileData{Header: hdr, Offset: r.offset(hdr.LargeFile)}
	if r.err != nil {
		return nil, r.err
	}
	fd.Data = r.rest()
	return fd, nil
}

func appendHeader(out []byte, h Header, fieldLen int) ([]byte, error) {
	eLen := entityLen(h)
	sLen := h.SequenceNumberLength
	if sLen == 0 {
		sLen = minBytes(h.SequenceNumber)
	}
	if eLen > 8 || sLen > 8 {
		return nil, fmt.Errorf("%w: id lengths %d/%d exceed 8 bytes", ErrInvalid, eLen, sLen)
	}

	b0 := byte(protocolVersion << 5)
	if !h.Directive {
		b0 |= 0x10
	}
	if h.TowardsSender {
		b0 |= 0x08
	}
	if !h.Acknowledged {
		b0 |= 0x04
	}
	if h.CRC {
		b0 |= 0x02
	}
	if h.LargeFile {
		b0 |= 0x01
	}
	b3 := byte(eLen-1)<<4 | byte(sLen-1)
	if h.SegmentMetadata {
		b3 |= 0x08
	}
	out = append(out, b0)
	out = binary.BigEndian.AppendUint16(out, uint16(fieldLen))
	out = append(out, b3)

	var err error
	if out, err = appendUint(out, h.SourceID, eLen); err != nil {
		return nil, err
	}
	if out, err = appendUint(out, h.SequenceNumber, sLen); err != nil {
		return nil, err
	}
	if out, err = appendUint(out, h.DestinationID, eLen); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeHeader(b []byte) (Header, int, int, error) {
	if len(b) < headerFixedLen {
		return Header{}, 0, 0, fmt.Errorf("%w: header needs %d bytes, have %d", ErrTruncated, headerFixedLen, len(b))
	}
	b0 := b[0]
	if v := b0 >> 5; v != protocolVersion {
		return Header{}, 0, 0, fmt.Errorf("%w: protocol version %d", ErrUnsupported, v)
	}
	h := Header{
		Directive:       b0&0x10 == 0,
		TowardsSender:   b0&0x08 != 0,
		Acknowledged:    b0&0x04 == 0,
		CRC:             b0&0x02 != 0,
		LargeFile:       b0&0x01 != 0,
		SegmentMetadata: b[3]&0x08 != 0,
	}
	fieldLen := int(binary.BigEndian.Uint16(b[1:3]))
	h.EntityIDLength = int(b[3]>>4&0x07) + 1
	h.SequenceNumberLength = int(b[3]&0x07) + 1

	r := &cursor{buf: b[headerFixedLen:]}
	h.SourceID = r.uintN(h.EntityIDLength)
	h.SequenceNumber = r.uintN(h.SequenceNumberLength)
	h.DestinationID = r.uintN(h.EntityIDLength)
	if r.err != nil {
		return Header{}, 0, 0, r.err
	}
	return h, fieldLen, headerFixedLen + r.pos, nil
}

func entityLen(h Header) int {
	if h.EntityIDLength > 0 {
		return h.EntityIDLength
	}
	return max(minBytes(h.SourceID), minBytes(h.DestinationID))
}

func minBytes(v uint64) int {
	n := 1
	for v > 0xFF {
		v >>= 8
		n++
	}
	return n
}

func appendUint(out []byte, v uint64, n int) ([]byte, error) {
	if n < 8 && v>>(8*uint(n)) != 0 {
		return nil, fmt.Errorf("%w: value %d does not fit in %d bytes", ErrInvalid, v, n)
	}
	for i := n - 1; i >= 0; i-- {
		out = append(out, byte(v>>(8*uint(i))))
	}
	return out, nil
}

func appendOffset(out []byte, v uint64, large bool) []byte {
	if large {
		return binary.BigEndian.AppendUint64(out, v)
	}
	return binary.BigEndian.AppendUint32(out, uint32(v))
}

func appendLV(out []byte, s string) ([]byte, error) {
	if len(s) > 0xFF {
		return nil, fmt.Errorf("%w: filename longer than 255 bytes", ErrInvalid)
	}
	out = append(out, byte(len(s)))
	return append(out, s...), nil
}

// crc16 is CRC-16/CCITT-FALSE as used for the CFDP PDU trailer.
func crc16(b []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, c := range b {
		crc ^= uint16(c) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// cursor reads big-endian fields and latches the first error.
type cursor struct {
	buf []byte
	pos int
	err error
}

func (c *cursor) need(n int) bool {
	if c.err != nil {
		return false
	}
	if c.pos+n > len(c.buf) {
		c.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, c.pos, len(c.buf)-c.pos)
		return false
	}
	return true
}

func (c *cursor) u8() byte {
	if !c.need(1) {
		return 0
	}
	v := c.buf[c.pos]
	c.pos++
	return v
}

func (c *cursor) u32() uint32 {
	if !c.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v
}

func (c *cursor) uintN(n int) uint64 {
	if !c.need(n) {
		return 0
	}
	var v uint64
	for i := 0; i < n; i++ {
		v = v<<8 | uint64(c.buf[c.pos+i])
	}
	c.pos += n
	return v
}

func (c *cursor) offset(large bool) uint64 {
	if large {
		return c.uintN(8)
	}
	return uint64(c.u32())
}

func (c *cursor) lv() string {
	n := int(c.u8())
	if !c.need(n) {
		return ""
	}
	s := string(c.buf[c.pos : c.pos+n])
	c.pos += n
	return s
}

func (c *cursor) skip(n int) {
	if c.need(n) {
		c.pos += n
	}
}

func (c *cursor) remaining() int {
	return len(c.buf) - c.pos
}

func (c *cursor) rest() []byte {
	out := c.buf[c.pos:]
	c.pos = len(c.buf)
	return out
}
