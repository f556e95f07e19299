package segments

import "encoding/binary"

// Checksum computes the CFDP modular checksum contribution of data placed at the
// absolute file offset. Each byte lands in the 32-bit big-endian word selected by
// its offset; words are summed modulo 2^32, so contributions can be added and
// subtracted independently of insertion order.
func Checksum(offset int64, data []byte) uint32 {
	var sum uint32
	i := 0
	// leading bytes up to the next word boundary
	for ; i < len(data) && (offset+int64(i))%4 != 0; i++ {
		sum += uint32(data[i]) << (8 * (3 - uint((offset+int64(i))%4)))
	}
	for ; i+4 <= len(data); i += 4 {
		sum += binary.BigEndian.Uint32(data[i:])
	}
	for ; i < len(data); i++ {
		sum += uint32(data[i]) << (8 * (3 - uint((offset+int64(i))%4)))
	}
	return sum
}
