package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGatewayIDFromMAC(t *testing.T) {
	data := []byte{ProtocolVersion, 0x12, 0x34, PushData, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11}
	id, err := gatewayIDFromMAC(data)
	require.NoError(t, err)
	require.Equal(t, "aabbccddeeff0011", id)
}

func TestGatewayIDFromMAC_ShortPacket(t *testing.T) {
	_, err := gatewayIDFromMAC([]byte{ProtocolVersion, 0x00, 0x00, PushData})
	require.Error(t, err)
}

func TestEncodeDecodePHY_RoundTrips(t *testing.T) {
	phy := []byte{0x40, 0x01, 0x02, 0x03, 0x04, 0x00, 0x00, 0x00}
	encoded := EncodePHY(phy)
	decoded, err := DecodePHY(encoded)
	require.NoError(t, err)
	require.Equal(t, phy, decoded)
}

func TestSubjectNaming(t *testing.T) {
	require.Equal(t, "gateway.aabbccddeeff0011.rx", uplinkSubject("aabbccddeeff0011"))
	require.Equal(t, "gateway.aabbccddeeff0011.stat", statusSubject("aabbccddeeff0011"))
}
