package codec

// Checksum is the band trailer: the sum of all bytes modulo 256
func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

// AppendChecksum returns b with its trailer byte appended
func AppendChecksum(b []byte) []byte {
	return append(b, Checksum(b))
}

// VerifyTrailer checks that the last byte of frame is the checksum of the preceding bytes
func VerifyTrailer(frame []byte) error {
	if len(frame) < 2 {
		return protocolErrorf("frame too short for trailer: %d bytes", len(frame))
	}
	body, trailer := frame[:len(frame)-1], frame[len(frame)-1]
	if sum := Checksum(body); sum != trailer {
		return protocolErrorf("CRC mismatch: computed 0x%02X, trailer 0x%02X", sum, trailer)
	}
	return nil
}
