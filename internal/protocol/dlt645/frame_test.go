package dlt645

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAddressRoundTrip(t *testing.T) {
	addr, err := ParseAddress("123456789012")
	require.NoError(t, err)
	require.Equal(t, "123456789012", addr.String())
}

func TestParseAddressRejectsBadInput(t *testing.T) {
	_, err := ParseAddress("1234")
	require.Error(t, err)

	_, err = ParseAddress("12345678901X")
	require.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	addr, err := ParseAddress("000000000001")
	require.NoError(t, err)

	payload := diBytes(0x02010100)
	adu, err := encode(addr, cReadData, payload)
	require.NoError(t, err)

	got, err := decode(adu)
	require.NoError(t, err)
	require.Equal(t, addr, got.Addr)
	require.Equal(t, cReadData, got.Control)
	require.Equal(t, payload, got.Data)
}

func TestDecodeRejectsBadChecksum(t *testing.T) {
	addr, _ := ParseAddress("000000000001")
	adu, err := encode(addr, cReadData, diBytes(1))
	require.NoError(t, err)
	adu[len(adu)-2] ^= 0xFF

	_, err = decode(adu)
	require.ErrorIs(t, err, ErrChecksum)
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	_, err := decode([]byte{startByte, 1, 2, 3})
	require.ErrorIs(t, err, ErrShortFrame)
}

func TestBCDRoundTrip(t *testing.T) {
	for _, v := range []int64{0, 7, 42, 12345, 99999999} {
		b := encodeBCD(v, 4)
		require.Equal(t, v, decodeBCD(b))
	}
}
