package pdu

import (
	"bytes"
	"errors"
	"testing"
)

func testHeader() Header {
	return Header{
		Acknowledged:         true,
		EntityIDLength:       2,
		SequenceNumberLength: 4,
		SourceID:             23,
		DestinationID:        7,
		SequenceNumber:       1001,
	}
}

func TestEncodeDecode(t *testing.T) {
	hdr := testHeader()
	tests := []struct {
		name   string
		pdu    PDU
		verify func(t *testing.T, got PDU)
	}{
		{
			name: "metadata",
			pdu: &Metadata{
				Header:              hdr,
				ClosureRequested:    true,
				FileSize:            20,
				SourceFilename:      "/data/img.bin",
				DestinationFilename: "img.bin",
			},
			verify: func(t *testing.T, got PDU) {
				m, ok := got.(*Metadata)
				if !ok {
					t.Fatalf("expected *Metadata, got %T", got)
				}
				if !m.ClosureRequested || m.FileSize != 20 || m.ChecksumType != ChecksumModular {
					t.Fatalf("metadata fields mismatch: %v", m)
				}
				if m.SourceFilename != "/data/img.bin" || m.DestinationFilename != "img.bin" {
					t.Fatalf("filenames mismatch: %q %q", m.SourceFilename, m.DestinationFilename)
				}
			},
		},
		{
			name: "file data",
			pdu:  &FileData{Header: hdr, Offset: 10, Data: []byte("0123456789")},
			verify: func(t *testing.T, got PDU) {
				fd, ok := got.(*FileData)
				if !ok {
					t.Fatalf("expected *FileData, got %T", got)
				}
				if fd.Offset != 10 || !bytes.Equal(fd.Data, []byte("0123456789")) {
					t.Fatalf("file data mismatch: %v %q", fd, fd.Data)
				}
				if fd.Header.Directive {
					t.Fatalf("file data decoded as directive")
				}
			},
		},
		{
			name: "eof with error carries fault location",
			pdu:  &EOF{Header: hdr, ConditionCode: CancelRequestReceived, Checksum: 0xCAFEBABE, FileSize: 99},
			verify: func(t *testing.T, got PDU) {
				e, ok := got.(*EOF)
				if !ok {
					t.Fatalf("expected *EOF, got %T", got)
				}
				if e.ConditionCode != CancelRequestReceived || e.Checksum != 0xCAFEBABE || e.FileSize != 99 {
					t.Fatalf("eof mismatch: %v", e)
				}
			},
		},
		{
			name: "finished incomplete",
			pdu:  &Finished{Header: hdr.Reply(), ConditionCode: NakLimitReached, FileStatus: FileDiscardedDeliberately},
			verify: func(t *testing.T, got PDU) {
				f, ok := got.(*Finished)
				if !ok {
					t.Fatalf("expected *Finished, got %T", got)
				}
				if f.DataComplete || f.ConditionCode != NakLimitReached {
					t.Fatalf("finished mismatch: %v", f)
				}
				if !f.Header.TowardsSender {
					t.Fatalf("expected direction towards sender")
				}
			},
		},
		{
			name: "ack of finished",
			pdu:  &Ack{Header: hdr, Directive: DirectiveFinished, SubtypeCode: 1, TransactionStatus: TransactionTerminated},
			verify: func(t *testing.T, got PDU) {
				a, ok := got.(*Ack)
				if !ok {
					t.Fatalf("expected *Ack, got %T", got)
				}
				if a.Directive != DirectiveFinished || a.SubtypeCode != 1 || a.TransactionStatus != TransactionTerminated {
					t.Fatalf("ack mismatch: %v", a)
				}
			},
		},
		{
			name: "nak with metadata request",
			pdu: &Nak{
				Header:       hdr.Reply(),
				StartOfScope: 0,
				EndOfScope:   10,
				Segments:     []SegmentRequest{{0, 0}, {0, 10}},
			},
			verify: func(t *testing.T, got PDU) {
				n, ok := got.(*Nak)
				if !ok {
					t.Fatalf("expected *Nak, got %T", got)
				}
				if n.EndOfScope != 10 || len(n.Segments) != 2 || n.Segments[1] != (SegmentRequest{0, 10}) {
					t.Fatalf("nak mismatch: %v", n)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(tt.pdu)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			got, err := Decode(raw)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got.PDUHeader().TransactionID() != tt.pdu.PDUHeader().TransactionID() {
				t.Fatalf("transaction id mismatch: got %s want %s", got.PDUHeader().TransactionID(), tt.pdu.PDUHeader().TransactionID())
			}
			tt.verify(t, got)
		})
	}
}

func TestEncodeHeaderLayout(t *testing.T) {
	raw, err := Encode(&Finished{Header: testHeader().Reply(), ConditionCode: NoError, DataComplete: true, FileStatus: FileRetained})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// version 1, directive, towards sender, acknowledged
	if raw[0] != 0x28 {
		t.Fatalf("byte 0 = %#02x, want 0x28", raw[0])
	}
	if raw[3] != 0x13 {
		t.Fatalf("byte 3 = %#02x, want 0x13", raw[3])
	}
	wantLen := 4 + 2 + 4 + 2 + 2
	if len(raw) != wantLen {
		t.Fatalf("length = %d, want %d", len(raw), wantLen)
	}
	if raw[len(raw)-1] != 0x02 {
		t.Fatalf("finished flags = %#02x, want 0x02", raw[len(raw)-1])
	}
}

func TestCRCTrailer(t *testing.T) {
	hdr := testHeader()
	hdr.CRC = true
	raw, err := Encode(&FileData{Header: hdr, Offset: 4, Data: []byte("abcd")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(raw); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	raw[len(raw)-3] ^= 0xFF
	if _, err := Decode(raw); !errors.Is(err, ErrCRC) {
		t.Fatalf("expected ErrCRC, got %v", err)
	}
}

func TestCRC16KnownValue(t *testing.T) {
	if got := crc16([]byte("123456789")); got != 0x29B1 {
		t.Fatalf("crc16 = %#04x, want 0x29b1", got)
	}
}

func TestLargeFileOffsets(t *testing.T) {
	hdr := testHeader()
	hdr.LargeFile = true
	raw, err := Encode(&FileData{Header: hdr, Offset: 1 << 40, Data: []byte{1}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if fd := got.(*FileData); fd.Offset != 1<<40 {
		t.Fatalf("offset = %d, want %d", fd.Offset, uint64(1<<40))
	}
}

func TestDecodeSegmentMetadataSkipped(t *testing.T) {
	hdr := testHeader()
	raw, err := Encode(&FileData{Header: hdr, Offset: 0, Data: []byte("xy")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	headerLen := 4 + 2 + 4 + 2
	patched := append([]byte{}, raw[:headerLen]...)
	patched[3] |= 0x08
	patched[2] += 3
	patched = append(patched, 0x02, 0xAA, 0xBB)
	patched = append(patched, raw[headerLen:]...)

	got, err := Decode(patched)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if fd := got.(*FileData); string(fd.Data) != "xy" {
		t.Fatalf("data = %q, want xy", fd.Data)
	}
}

func TestDecodeErrors(t *testing.T) {
	raw, err := Encode(&Metadata{Header: testHeader(), FileSize: 5, SourceFilename: "a"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{name: "empty", in: nil, want: ErrTruncated},
		{name: "short field", in: raw[:len(raw)-3], want: ErrTruncated},
		{name: "bad version", in: append([]byte{0x00}, raw[1:]...), want: ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.in); !errors.Is(err, tt.want) {
				t.Fatalf("Decode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEncodeRejectsOversizedIDs(t *testing.T) {
	hdr := testHeader()
	hdr.EntityIDLength = 1
	hdr.SourceID = 300
	if _, err := Encode(&Ack{Header: hdr}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestParseConditionCode(t *testing.T) {
	code, err := ParseConditionCode("file_checksum_failure")
	if err != nil || code != FileChecksumFailure {
		t.Fatalf("ParseConditionCode = %v, %v", code, err)
	}
	if _, err := ParseConditionCode("bogus"); err == nil {
		t.Fatalf("expected error for unknown name")
	}
}
