package packet

// Checksum computes the RFC 1071 one's-complement checksum of data. Words are
// read big-endian and a trailing odd byte is padded with a zero low byte.
func Checksum(data []byte) uint16 {
	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}

	// Two folds are enough for any header up to 60 bytes.
	sum = (sum & 0xFFFF) + (sum >> 16)
	sum = (sum & 0xFFFF) + (sum >> 16)

	return ^uint16(sum)
}
