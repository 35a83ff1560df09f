package usb

// Token is a decoded token packet.
type Token struct {
	PID      PID
	Address  uint8
	Endpoint uint8
	Frame    uint16 // SOF only
}

// Field returns the 11-bit token field: the frame number for SOF, otherwise
// the address in bits 0-6 and the endpoint in bits 7-10.
func (t Token) Field() uint16 {
	if t.PID == PIDSOF {
		return t.Frame & FrameMask
	}
	return uint16(t.Address&AddressMask) | uint16(t.Endpoint&EndpointMask)<<7
}

// Encode returns the three wire bytes of the token.
func (t Token) Encode() [3]byte {
	f := t.Field()
	return [3]byte{
		t.PID.Byte(),
		byte(f),
		byte(f>>8)&0x07 | CRC5(f)<<3,
	}
}

// DecodeToken parses a three byte token packet and validates its CRC5.
func DecodeToken(pkt []byte) (Token, bool) {
	if len(pkt) != 3 {
		return Token{}, false
	}
	pid, ok := ParsePID(pkt[0])
	if !ok || !pid.IsToken() {
		return Token{}, false
	}
	f := uint16(pkt[1]) | uint16(pkt[2]&0x07)<<8
	if !CheckCRC5(f, pkt[2]>>3) {
		return Token{}, false
	}
	t := Token{PID: pid}
	if pid == PIDSOF {
		t.Frame = f
	} else {
		t.Address = uint8(f) & AddressMask
		t.Endpoint = uint8(f>>7) & EndpointMask
	}
	return t, true
}

// EncodeData returns a complete data packet: PID, payload, CRC16 low byte
// first.
func EncodeData(pid PID, payload []byte) []byte {
	b := make([]byte, 0, len(payload)+3)
	b = append(b, pid.Byte())
	b = append(b, payload...)
	crc := CRC16(payload)
	return append(b, byte(crc), byte(crc>>8))
}

// DecodeData splits a data packet into PID and payload. ok is false for a
// non-data PID or a CRC mismatch.
func DecodeData(pkt []byte) (pid PID, payload []byte, ok bool) {
	if len(pkt) < 3 {
		return 0, nil, false
	}
	pid, valid := ParsePID(pkt[0])
	if !valid || !pid.IsData() {
		return 0, nil, false
	}
	if !CheckCRC16(pkt[1:]) {
		return pid, nil, false
	}
	return pid, pkt[1 : len(pkt)-2], true
}

// EncodeHandshake returns the single byte handshake packet.
func EncodeHandshake(pid PID) []byte {
	return []byte{pid.Byte()}
}
