// Package segments tracks the byte ranges received for one file.
package segments

import (
	"errors"
	"fmt"
	"sort"
)

// UnknownSize is the declared size before metadata has been received.
const UnknownSize = int64(-1)

// ErrSizeConflict is returned by SetSize when data was already received past the declared size.
var ErrSizeConflict = errors.New("segments: declared size conflicts with received data")

// Range is a half-open byte range [Start, End).
type Range struct {
	Start int64
	End   int64
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

type segment struct {
	start int64
	data  []byte
}

func (s segment) end() int64 {
	return s.start + int64(len(s.data))
}

// Store holds the received, merged segments of one file and their running checksum.
// It is not safe for concurrent use; the owning transfer serializes access.
type Store struct {
	size     int64
	segs     []segment // sorted by start, disjoint and non-adjacent
	received int64
	end      int64
	checksum uint32
}

// NewStore creates an empty store with the given declared size (UnknownSize if not yet known).
func NewStore(size int64) *Store {
	if size < 0 {
		size = UnknownSize
	}
	return &Store{size: size}
}

// SetSize declares the total file size.
func (s *Store) SetSize(n int64) error {
	if n < 0 {
		return fmt.Errorf("segments: invalid size %d", n)
	}
	if s.end > n {
		return fmt.Errorf("%w: size %d, end offset %d", ErrSizeConflict, n, s.end)
	}
	s.size = n
	return nil
}

// AddSegment inserts data at offset, merging with overlapping or adjacent ranges.
// Where the new data overlaps bytes already held, the new bytes replace them.
func (s *Store) AddSegment(offset int64, data []byte) {
	if offset < 0 || len(data) == 0 {
		return
	}
	newEnd := offset + int64(len(data))

	// first segment that ends at or after offset (adjacent counts for merging)
	lo := sort.Search(len(s.segs), func(i int) bool { return s.segs[i].end() >= offset })
	hi := lo
	for hi < len(s.segs) && s.segs[hi].start <= newEnd {
		hi++
	}

	if lo == hi {
		buf := make([]byte, len(data))
		copy(buf, data)
		s.segs = append(s.segs, segment{})
		copy(s.segs[lo+1:], s.segs[lo:])
		s.segs[lo] = segment{start: offset, data: buf}
	} else {
		start := min(offset, s.segs[lo].start)
		end := max(newEnd, s.segs[hi-1].end())
		buf := make([]byte, end-start)
		for _, old := range s.segs[lo:hi] {
			copy(buf[old.start-start:], old.data)
			// remove the contribution of bytes about to be overwritten
			ovStart := max(old.start, offset)
			ovEnd := min(old.end(), newEnd)
			if ovStart < ovEnd {
				s.checksum -= Checksum(ovStart, old.data[ovStart-old.start:ovEnd-old.start])
				s.received -= ovEnd - ovStart
			}
		}
		copy(buf[offset-start:], data)
		merged := segment{start: start, data: buf}
		s.segs = append(s.segs[:lo+1], s.segs[hi:]...)
		s.segs[lo] = merged
	}

	s.checksum += Checksum(offset, data)
	s.received += int64(len(data))
	if newEnd > s.end {
		s.end = newEnd
	}
}

// MissingChunks returns the gaps between offset 0 and the current end offset. When
// forceUpperBound is set and the size is known, the gap up to the declared size is included.
func (s *Store) MissingChunks(forceUpperBound bool) []Range {
	var out []Range
	var pos int64
	for _, seg := range s.segs {
		if seg.start > pos {
			out = append(out, Range{Start: pos, End: seg.start})
		}
		pos = seg.end()
	}
	if forceUpperBound && s.size != UnknownSize && pos < s.size {
		out = append(out, Range{Start: pos, End: s.size})
	}
	return out
}

// IsComplete reports whether the size is known and every byte of [0, size) was received.
func (s *Store) IsComplete() bool {
	if s.size == UnknownSize {
		return false
	}
	if s.size == 0 {
		return len(s.segs) == 0
	}
	return len(s.segs) == 1 && s.segs[0].start == 0 && s.segs[0].end() == s.size
}

// Size returns the declared size, or UnknownSize.
func (s *Store) Size() int64 { return s.size }

// ReceivedSize returns the number of distinct bytes received.
func (s *Store) ReceivedSize() int64 { return s.received }

// EndOffset returns the largest end offset of any received segment.
func (s *Store) EndOffset() int64 { return s.end }

// Checksum returns the running modular checksum of the received data.
func (s *Store) Checksum() uint32 { return s.checksum }

// Data returns the file content with gaps zero-filled.
func (s *Store) Data() []byte {
	n := s.end
	if s.size > n {
		n = s.size
	}
	if len(s.segs) == 1 && s.segs[0].start == 0 && int64(len(s.segs[0].data)) == n {
		return s.segs[0].data
	}
	out := make([]byte, n)
	for _, seg := range s.segs {
		copy(out[seg.start:], seg.data)
	}
	return out
}
