package iec104

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// TypeID is the IEC 60870-5-101/104 ASDU type identification (companion
// standard 101, subclass 7.2.1). Only the subset this gateway actually
// exchanges is implemented; an unsupported TypeID decodes to ErrTypeID.
type TypeID uint8

const (
	MSpNa1 TypeID = 1   // single-point information
	MMeNc1 TypeID = 13  // measured value, short floating point
	CScNa1 TypeID = 45  // single command
	CSeNc1 TypeID = 50  // set-point command, short floating point
	CIcNa1 TypeID = 100 // interrogation command
)

// Cause of transmission, companion standard 101, subclass 7.2.3. Only the
// causes this gateway emits or reacts to are named.
type Cause byte

const (
	CausePeriodic       Cause = 1
	CauseSpontaneous    Cause = 3
	CauseRequest        Cause = 5
	CauseActivation     Cause = 6
	CauseActivationCon  Cause = 7
	CauseDeactivation   Cause = 8
	CauseActivationTerm Cause = 10
	CauseInterrogated   Cause = 20
)

var ErrTypeID = errors.New("iec104: unsupported type identification")
var ErrShortASDU = errors.New("iec104: asdu shorter than its header")

// InfoObjAddr is a 3-octet information object address (the width this
// gateway always uses — spec.md §4.4's offset addressing assumes it).
type InfoObjAddr uint32

// ASDU is one decoded application service data unit: a type, a cause, the
// common (station) address, and one information object. The gateway never
// emits sequence-of-information-objects ASDUs, so this stays singular.
type ASDU struct {
	Type      TypeID
	Cause     Cause
	CommonOA  uint16 // common address of ASDU (station)
	Address   InfoObjAddr
	Raw       []byte // the information element payload, Type-specific
}

// EncodeSinglePoint builds an M_SP_NA_1 ASDU for a Signal point.
func EncodeSinglePoint(commonOA uint16, addr InfoObjAddr, on bool, cause Cause) []byte {
	sp := byte(0) // QDSGood
	if on {
		sp = 1
	}
	return encode(MSpNa1, cause, commonOA, addr, []byte{sp})
}

// EncodeShortFloat builds an M_ME_NC_1 ASDU for an Analog point.
func EncodeShortFloat(commonOA uint16, addr InfoObjAddr, value float32, cause Cause) []byte {
	buf := make([]byte, 5)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(value))
	buf[4] = 0 // quality descriptor, good
	return encode(MMeNc1, cause, commonOA, addr, buf)
}

// EncodeSingleCommand builds a C_SC_NA_1 ASDU requesting a Command point
// be driven to on/off.
func EncodeSingleCommand(commonOA uint16, addr InfoObjAddr, on bool, cause Cause) []byte {
	v := byte(0)
	if on {
		v = 1
	}
	return encode(CScNa1, cause, commonOA, addr, []byte{v})
}

// EncodeSetpoint builds a C_SE_NC_1 ASDU requesting a Setpoint point be
// driven to value.
func EncodeSetpoint(commonOA uint16, addr InfoObjAddr, value float32, cause Cause) []byte {
	buf := make([]byte, 5)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(value))
	buf[4] = 0 // qualifier of set-point command
	return encode(CSeNc1, cause, commonOA, addr, buf)
}

// EncodeInterrogation builds a C_IC_NA_1 general interrogation command.
func EncodeInterrogation(commonOA uint16, cause Cause) []byte {
	return encode(CIcNa1, cause, commonOA, 0, []byte{0x14}) // QOI 20: station interrogation
}

// encode lays out the ASDU header the way every supported TypeID here uses
// it: VSQ=1 (no sequence, single object), 1-octet cause, 2-octet common
// address, 3-octet information object address, then the element payload.
func encode(t TypeID, cause Cause, commonOA uint16, addr InfoObjAddr, payload []byte) []byte {
	b := make([]byte, 0, 8+len(payload))
	b = append(b, byte(t))
	b = append(b, 1) // VSQ: one information object, not a sequence
	b = append(b, byte(cause))
	b = append(b, byte(commonOA), byte(commonOA>>8))
	b = append(b, byte(addr), byte(addr>>8), byte(addr>>16))
	b = append(b, payload...)
	return b
}

// Decode parses the ASDU header and leaves the information element in Raw.
func Decode(b []byte) (ASDU, error) {
	if len(b) < 8 {
		return ASDU{}, ErrShortASDU
	}
	a := ASDU{
		Type:     TypeID(b[0]),
		Cause:    Cause(b[2]),
		CommonOA: uint16(b[3]) | uint16(b[4])<<8,
		Address:  InfoObjAddr(uint32(b[5]) | uint32(b[6])<<8 | uint32(b[7])<<16),
		Raw:      b[8:],
	}
	switch a.Type {
	case MSpNa1, MMeNc1, CScNa1, CSeNc1, CIcNa1:
	default:
		return ASDU{}, ErrTypeID
	}
	return a, nil
}

func (t TypeID) String() string {
	switch t {
	case MSpNa1:
		return "单点遥信"
	case MMeNc1:
		return "短浮点遥测"
	case CScNa1:
		return "单点遥控"
	case CSeNc1:
		return "短浮点遥调"
	case CIcNa1:
		return "总召唤"
	}
	return fmt.Sprintf("TypeID(%d)", uint8(t))
}

func (c Cause) String() string {
	switch c {
	case CausePeriodic:
		return "周期"
	case CauseSpontaneous:
		return "突发"
	case CauseRequest:
		return "请求"
	case CauseActivation:
		return "激活"
	case CauseActivationCon:
		return "激活确认"
	case CauseDeactivation:
		return "停止激活"
	case CauseActivationTerm:
		return "激活终止"
	case CauseInterrogated:
		return "响应总召唤"
	}
	return fmt.Sprintf("COT(%d)", byte(c))
}

// Describe renders the one-line capture description for an ASDU, e.g.
// "短浮点遥测 IOA:16385 (突发)".
func (a ASDU) Describe() string {
	return fmt.Sprintf("%s IOA:%d (%s)", a.Type, uint32(a.Address), a.Cause)
}

// AsBool decodes a single-point/single-command element.
func (a ASDU) AsBool() bool {
	if len(a.Raw) == 0 {
		return false
	}
	return a.Raw[0]&0x01 != 0
}

// AsFloat32 decodes a short-floating-point element.
func (a ASDU) AsFloat32() float32 {
	if len(a.Raw) < 4 {
		return 0
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(a.Raw))
}
