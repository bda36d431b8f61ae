package iec104

import "errors"

var (
	// ErrFrameTooLarge signals an ASDU that would not fit the 253-byte
	// APDU information field.
	ErrFrameTooLarge = errors.New("iec104: asdu exceeds apdu size limit")
	// ErrNotConnected signals an operation attempted before Start or
	// after the connection dropped.
	ErrNotConnected = errors.New("iec104: not connected")
	// ErrSequenceOverrun signals the unacknowledged send window (k) was
	// exhausted; the caller should back off.
	ErrSequenceOverrun = errors.New("iec104: unacknowledged send window exhausted")
)
