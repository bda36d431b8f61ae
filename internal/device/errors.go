// Package device assembles one configured device — its point store,
// protocol adapter, poll scheduler or simulator, and formula engine — into
// a single runnable unit.
package device

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig signals a device's own configuration is invalid or
	// internally inconsistent; retrying without a config change is
	// pointless.
	ErrConfig = errors.New("device: invalid configuration")
	// ErrLink signals the transport (TCP dial, serial open, listener
	// bind) failed.
	ErrLink = errors.New("device: link failure")
	// ErrTransientIO signals one bad exchange on an otherwise healthy
	// link (timeout, short read); the next poll cycle may well succeed.
	ErrTransientIO = errors.New("device: transient io error")
	// ErrCodec signals a response decoded to the wrong shape for its
	// point.
	ErrCodec = errors.New("device: codec error")
	// ErrRange signals a value was rejected by a point's scaling/limit
	// rules.
	ErrRange = errors.New("device: value out of range")
	// ErrMapping signals a formula mapping could not be armed or failed
	// to evaluate.
	ErrMapping = errors.New("device: mapping error")
	// ErrState signals an operation was attempted in a runtime state
	// that doesn't support it (e.g. WriteValue before Start).
	ErrState = errors.New("device: invalid state")
)

// ErrNotRunning is returned by runtime operations attempted before Start
// or after Stop.
var ErrNotRunning = fmt.Errorf("%w: runtime is not running", ErrState)

// ErrAlreadyRunning is returned by Start when called twice without an
// intervening Stop.
var ErrAlreadyRunning = fmt.Errorf("%w: runtime already running", ErrState)

// ErrUnknownPoint is returned when a write targets a code the device's
// store doesn't have.
var ErrUnknownPoint = fmt.Errorf("%w: unknown point code", ErrMapping)

// Wrap tags err as belonging to sentinel class (one of ErrConfig, ErrLink,
// ErrTransientIO, ErrCodec, ErrRange, ErrMapping, ErrState) and names the
// device it happened on, so callers can branch with errors.Is(err,
// device.ErrLink) without caring about the underlying cause's concrete
// type. A nil err wraps to nil so call sites can write
// `return device.Wrap(name, device.ErrLink, err)` unconditionally.
func Wrap(deviceName string, class error, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("device %s: %w: %v", deviceName, class, err)
}
