package pdu

import (
	"fmt"
	"strings"
)

// ConditionCode is the 4-bit CFDP condition code carried by EOF, Finished and ACK PDUs.
type ConditionCode uint8

const (
	NoError                 ConditionCode = 0
	AckLimitReached         ConditionCode = 1
	KeepAliveLimitReached   ConditionCode = 2
	InvalidTransmissionMode ConditionCode = 3
	FilestoreRejection      ConditionCode = 4
	FileChecksumFailure     ConditionCode = 5
	FileSizeError           ConditionCode = 6
	NakLimitReached         ConditionCode = 7
	InactivityDetected      ConditionCode = 8
	InvalidFileStructure    ConditionCode = 9
	CheckLimitReached       ConditionCode = 10
	UnsupportedChecksumType ConditionCode = 11
	SuspendRequestReceived  ConditionCode = 14
	CancelRequestReceived   ConditionCode = 15
)

var conditionNames = map[ConditionCode]string{
	NoError:                 "NO_ERROR",
	AckLimitReached:         "ACK_LIMIT_REACHED",
	KeepAliveLimitReached:   "KEEP_ALIVE_LIMIT_REACHED",
	InvalidTransmissionMode: "INVALID_TRANSMISSION_MODE",
	FilestoreRejection:      "FILESTORE_REJECTION",
	FileChecksumFailure:     "FILE_CHECKSUM_FAILURE",
	FileSizeError:           "FILE_SIZE_ERROR",
	NakLimitReached:         "NAK_LIMIT_REACHED",
	InactivityDetected:      "INACTIVITY_DETECTED",
	InvalidFileStructure:    "INVALID_FILE_STRUCTURE",
	CheckLimitReached:       "CHECK_LIMIT_REACHED",
	UnsupportedChecksumType: "UNSUPPORTED_CHECKSUM_TYPE",
	SuspendRequestReceived:  "SUSPEND_REQUEST_RECEIVED",
	CancelRequestReceived:   "CANCEL_REQUEST_RECEIVED",
}

func (c ConditionCode) String() string {
	if name, ok := conditionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("RESERVED_%d", uint8(c))
}

// MarshalText renders the code by name.
func (c ConditionCode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// ParseConditionCode resolves a condition code from its name (case-insensitive).
func ParseConditionCode(name string) (ConditionCode, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for code, n := range conditionNames {
		if n == upper {
			return code, nil
		}
	}
	return 0, fmt.Errorf("unknown condition code %q", name)
}

// DirectiveCode identifies the file directive PDU type.
type DirectiveCode uint8

const (
	DirectiveEOF       DirectiveCode = 0x04
	DirectiveFinished  DirectiveCode = 0x05
	DirectiveAck       DirectiveCode = 0x06
	DirectiveMetadata  DirectiveCode = 0x07
	DirectiveNak       DirectiveCode = 0x08
	DirectivePrompt    DirectiveCode = 0x09
	DirectiveKeepAlive DirectiveCode = 0x0C
)

func (d DirectiveCode) String() string {
	switch d {
	case DirectiveEOF:
		return "EOF"
	case DirectiveFinished:
		return "FINISHED"
	case DirectiveAck:
		return "ACK"
	case DirectiveMetadata:
		return "METADATA"
	case DirectiveNak:
		return "NAK"
	case DirectivePrompt:
		return "PROMPT"
	case DirectiveKeepAlive:
		return "KEEP_ALIVE"
	default:
		return fmt.Sprintf("DIRECTIVE_%#02x", uint8(d))
	}
}

// FileStatus is reported in the Finished PDU.
type FileStatus uint8

const (
	FileDiscardedDeliberately FileStatus = 0
	FileDiscardedRejection    FileStatus = 1
	FileRetained              FileStatus = 2
	FileStatusUnreported      FileStatus = 3
)

// TransactionStatus is reported in the ACK PDU.
type TransactionStatus uint8

const (
	TransactionUndefined    TransactionStatus = 0
	TransactionActive       TransactionStatus = 1
	TransactionTerminated   TransactionStatus = 2
	TransactionUnrecognized TransactionStatus = 3
)

// ChecksumModular is the only checksum type the receiver verifies.
const ChecksumModular = uint8(0)

// TransactionID uniquely identifies a transfer between two entities.
type TransactionID struct {
	SourceID       uint64
	DestinationID  uint64
	SequenceNumber uint64
}

func (t TransactionID) String() string {
	return fmt.Sprintf("%d-%d-%d", t.SourceID, t.DestinationID, t.SequenceNumber)
}

// SegmentRequest is a half-open byte range [Start, End) requested by a NAK.
// The pair {0, 0} asks the sender to retransmit the Metadata PDU.
type SegmentRequest struct {
	Start uint64
	End   uint64
}

func (s SegmentRequest) String() string {
	return fmt.Sprintf("[%d,%d)", s.Start, s.End)
}

// FormatSegments renders a segment list as "[a,b) [c,d)".
func FormatSegments(segs []SegmentRequest) string {
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = s.String()
	}
	return strings.Join(parts, " ")
}
