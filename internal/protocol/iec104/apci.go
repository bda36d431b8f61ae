package iec104

import "fmt"

// startFrame is the fixed start byte of every IEC 60870-5-104 APDU.
const startFrame byte = 0x68

const apduSizeMax = 255

// U-frame control field function bits, companion standard 104, subclass 5.1.
const (
	uStartDtActive  byte = 0x04
	uStartDtConfirm byte = 0x08
	uStopDtActive   byte = 0x10
	uStopDtConfirm  byte = 0x20
	uTestFrActive   byte = 0x40
	uTestFrConfirm  byte = 0x80
)

// iFrame is a numbered information frame header.
type iFrame struct {
	sendSN, rcvSN uint16
}

func (f iFrame) String() string { return fmt.Sprintf("I[send=%d recv=%d]", f.sendSN, f.rcvSN) }

// sFrame is a supervisory (ack-only) frame.
type sFrame struct {
	rcvSN uint16
}

func (f sFrame) String() string { return fmt.Sprintf("S[recv=%d]", f.rcvSN) }

// uFrame is an unnumbered control frame (STARTDT/STOPDT/TESTFR).
type uFrame struct {
	function byte
}

func (f uFrame) String() string {
	switch f.function {
	case uStartDtActive:
		return "U[STARTDT act]"
	case uStartDtConfirm:
		return "U[STARTDT con]"
	case uStopDtActive:
		return "U[STOPDT act]"
	case uStopDtConfirm:
		return "U[STOPDT con]"
	case uTestFrActive:
		return "U[TESTFR act]"
	case uTestFrConfirm:
		return "U[TESTFR con]"
	}
	return "U[unknown]"
}

// newIFrame builds the 6-byte APCI header followed by the ASDU bytes.
func newIFrame(sendSN, rcvSN uint16, asdu []byte) ([]byte, error) {
	if len(asdu) > apduSizeMax-6 {
		return nil, ErrFrameTooLarge
	}
	b := make([]byte, len(asdu)+6)
	b[0] = startFrame
	b[1] = byte(len(asdu) + 4)
	b[2] = byte(sendSN << 1)
	b[3] = byte(sendSN >> 7)
	b[4] = byte(rcvSN << 1)
	b[5] = byte(rcvSN >> 7)
	copy(b[6:], asdu)
	return b, nil
}

func newSFrame(rcvSN uint16) []byte {
	return []byte{startFrame, 4, 0x01, 0x00, byte(rcvSN << 1), byte(rcvSN >> 7)}
}

func newUFrame(function byte) []byte {
	return []byte{startFrame, 4, function | 0x03, 0x00, 0x00, 0x00}
}

// parseAPCI classifies a 6-byte header (the caller has already read the
// length byte and knows how many further ASDU bytes to expect) into one of
// iFrame/sFrame/uFrame.
func parseAPCI(hdr [6]byte) interface{} {
	if hdr[2]&0x01 == 0 {
		return iFrame{
			sendSN: uint16(hdr[2])>>1 | uint16(hdr[3])<<7,
			rcvSN:  uint16(hdr[4])>>1 | uint16(hdr[5])<<7,
		}
	}
	if hdr[2]&0x03 == 0x01 {
		return sFrame{rcvSN: uint16(hdr[4])>>1 | uint16(hdr[5])<<7}
	}
	return uFrame{function: hdr[2] & 0xfc}
}
