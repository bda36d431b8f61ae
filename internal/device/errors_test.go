package device_test

import (
	"errors"
	"testing"

	"github.com/emsgateway/simulator/internal/device"
	"github.com/stretchr/testify/require"
)

func TestWrapNilIsNil(t *testing.T) {
	require.NoError(t, device.Wrap("dev", device.ErrLink, nil))
}

func TestWrapChainsSentinel(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := device.Wrap("plc-1", device.ErrLink, cause)
	require.ErrorIs(t, err, device.ErrLink)
	require.Contains(t, err.Error(), "plc-1")
	require.Contains(t, err.Error(), "refused")
}

func TestSentinelRefinements(t *testing.T) {
	require.ErrorIs(t, device.ErrNotRunning, device.ErrState)
	require.ErrorIs(t, device.ErrAlreadyRunning, device.ErrState)
	require.ErrorIs(t, device.ErrUnknownPoint, device.ErrMapping)
}
