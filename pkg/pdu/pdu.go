package pdu

import "fmt"

// Header is the fixed PDU header shared by every PDU.
type Header struct {
	// Directive is true for file directive PDUs and false for file data PDUs.
	Directive bool
	// TowardsSender is the direction bit: false means towards the file receiver.
	TowardsSender bool
	// Acknowledged selects Class 2 (true) or Class 1 (false) transmission.
	Acknowledged bool
	// CRC requests a CRC-16 trailer on the encoded PDU.
	CRC bool
	// LargeFile selects 64-bit file size and offset fields.
	LargeFile bool
	// SegmentMetadata marks file data PDUs that carry segment metadata.
	SegmentMetadata bool

	EntityIDLength       int // bytes, 1..8
	SequenceNumberLength int // bytes, 1..8

	SourceID       uint64
	DestinationID  uint64
	SequenceNumber uint64
}

// TransactionID returns the transaction the header belongs to.
func (h Header) TransactionID() TransactionID {
	return TransactionID{
		SourceID:       h.SourceID,
		DestinationID:  h.DestinationID,
		SequenceNumber: h.SequenceNumber,
	}
}

// Reply returns a directive header for PDUs sent back to the file sender of this transaction.
func (h Header) Reply() Header {
	out := h
	out.Directive = true
	out.TowardsSender = true
	out.CRC = false
	out.SegmentMetadata = false
	return out
}

// PDU is one of *Metadata, *FileData, *EOF, *Finished, *Ack or *Nak.
type PDU interface {
	PDUHeader() Header
	fmt.Stringer
	sealed()
}

// Metadata opens a transaction and declares the file.
type Metadata struct {
	Header              Header
	ClosureRequested    bool
	ChecksumType        uint8
	FileSize            uint64
	SourceFilename      string
	DestinationFilename string
}

// FileData carries one segment of file content.
type FileData struct {
	Header Header
	Offset uint64
	Data   []byte
}

// EOF announces that the sender has transmitted all file data.
type EOF struct {
	Header        Header
	ConditionCode ConditionCode
	Checksum      uint32
	FileSize      uint64
}

// Finished reports the receiver's outcome for the transaction.
type Finished struct {
	Header        Header
	ConditionCode ConditionCode
	DataComplete  bool
	FileStatus    FileStatus
}

// Ack acknowledges an EOF or Finished directive.
type Ack struct {
	Header            Header
	Directive         DirectiveCode
	SubtypeCode       uint8
	ConditionCode     ConditionCode
	TransactionStatus TransactionStatus
}

// Nak requests retransmission of the listed segments.
type Nak struct {
	Header       Header
	StartOfScope uint64
	EndOfScope   uint64
	Segments     []SegmentRequest
}

func (p *Metadata) PDUHeader() Header { return p.Header }
func (p *FileData) PDUHeader() Header { return p.Header }
func (p *EOF) PDUHeader() Header      { return p.Header }
func (p *Finished) PDUHeader() Header { return p.Header }
func (p *Ack) PDUHeader() Header      { return p.Header }
func (p *Nak) PDUHeader() Header      { return p.Header }

func (*Metadata) sealed() {}
func (*FileData) sealed() {}
func (*EOF) sealed()      {}
func (*Finished) sealed() {}
func (*Ack) sealed()      {}
func (*Nak) sealed()      {}

func (p *Metadata) String() string {
	return fmt.Sprintf("Metadata{size=%d, checksumType=%d, closure=%v, src=%q, dst=%q}",
		p.FileSize, p.ChecksumType, p.ClosureRequested, p.SourceFilename, p.DestinationFilename)
}

func (p *FileData) String() string {
	return fmt.Sprintf("FileData{offset=%d, len=%d}", p.Offset, len(p.Data))
}

func (p *EOF) String() string {
	return fmt.Sprintf("EOF{code=%s, checksum=%#08x, size=%d}", p.ConditionCode, p.Checksum, p.FileSize)
}

func (p *Finished) String() string {
	return fmt.Sprintf("Finished{code=%s, dataComplete=%v, fileStatus=%d}", p.ConditionCode, p.DataComplete, p.FileStatus)
}

func (p *Ack) String() string {
	return fmt.Sprintf("Ack{directive=%s, code=%s, status=%d}", p.Directive, p.ConditionCode, p.TransactionStatus)
}

func (p *Nak) String() string {
	return fmt.Sprintf("Nak{scope=[%d,%d), segments=%s}", p.StartOfScope, p.EndOfScope, FormatSegments(p.Segments))
}
