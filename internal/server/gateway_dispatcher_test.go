package server

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lorawan-net/mac-server/pkg/lorawan"
)

func TestParseGatewayID(t *testing.T) {
	mac, err := parseGatewayID("aabbccddeeff0011")
	require.NoError(t, err)
	require.Equal(t, lorawan.EUI64{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11}, mac)

	_, err = parseGatewayID("not-hex")
	require.Error(t, err)

	_, err = parseGatewayID("aabb")
	require.Error(t, err)
}

func TestDataRateIndexFromString(t *testing.T) {
	require.Equal(t, uint8(0), dataRateIndexFromString("SF12BW125"))
	require.Equal(t, uint8(6), dataRateIndexFromString("SF7BW250"))
	require.Equal(t, uint8(0), dataRateIndexFromString("unknown"))
}
