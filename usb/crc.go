package usb

// CRC5 computes the token CRC over the low 11 bits of data, processed LSB
// first with polynomial x^5+x^2+1, all-ones seed and inverted output.
func CRC5(data uint16) uint8 {
	crc := uint8(0x1F)
	for i := 0; i < 11; i++ {
		bit := uint8(data>>i) & 1
		if (crc&1)^bit != 0 {
			crc = (crc >> 1) ^ 0x14
		} else {
			crc >>= 1
		}
	}
	return ^crc & 0x1F
}

// CheckCRC5 reports whether crc matches the 11-bit field data.
func CheckCRC5(data uint16, crc uint8) bool {
	return CRC5(data&FrameMask) == crc&0x1F
}

// CRC16Init is the data CRC seed.
const CRC16Init uint16 = 0xFFFF

// CRC16Update folds one byte into a running data CRC (polynomial 0x8005,
// reflected). Finish with CRC16Final.
func CRC16Update(crc uint16, b byte) uint16 {
	crc ^= uint16(b)
	for i := 0; i < 8; i++ {
		if crc&1 != 0 {
			crc = (crc >> 1) ^ 0xA001
		} else {
			crc >>= 1
		}
	}
	return crc
}

// CRC16Final returns the transmitted form of a running CRC.
func CRC16Final(crc uint16) uint16 {
	return ^crc
}

// CRC16 computes the data packet CRC of payload. It is transmitted low byte
// first.
func CRC16(payload []byte) uint16 {
	crc := CRC16Init
	for _, b := range payload {
		crc = CRC16Update(crc, b)
	}
	return CRC16Final(crc)
}

// CheckCRC16 reports whether the trailing two bytes of packet (PID already
// stripped) are the CRC of the bytes before them.
func CheckCRC16(packet []byte) bool {
	if len(packet) < 2 {
		return false
	}
	n := len(packet) - 2
	want := uint16(packet[n]) | uint16(packet[n+1])<<8
	return CRC16(packet[:n]) == want
}
