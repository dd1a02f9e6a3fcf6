package lorawan

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMHDR_ByteRoundTrip(t *testing.T) {
	cases := []MHDR{
		{MType: JoinRequest, Major: LoRaWAN1_0},
		{MType: ConfirmedDataUp, Major: LoRaWAN1_0},
		{MType: UnconfirmedDataDown, Major: LoRaWAN1_0},
	}
	for _, h := range cases {
		parsed := ParseMHDR(h.Byte())
		require.Equal(t, h, parsed)
	}
}

func TestMACPayload_UplinkRoundTrip(t *testing.T) {
	fport := uint8(1)
	m := &MACPayload{
		FHDR: FHDR{
			DevAddr: DevAddr{0x01, 0x02, 0x03, 0x04},
			FCtrl:   FCtrl{ADR: true, ACK: true},
			FCnt:    7,
		},
		FPort:      &fport,
		FRMPayload: []byte{0xAA, 0xBB, 0xCC},
	}

	wire := m.Marshal(true)

	got := &MACPayload{}
	require.NoError(t, got.Unmarshal(wire, true))

	require.Equal(t, m.FHDR.DevAddr, got.FHDR.DevAddr)
	require.Equal(t, m.FHDR.FCnt, got.FHDR.FCnt)
	require.True(t, got.FHDR.FCtrl.ADR)
	require.True(t, got.FHDR.FCtrl.ACK)
	require.Equal(t, *m.FPort, *got.FPort)
	require.Equal(t, m.FRMPayload, got.FRMPayload)
}

func TestMACPayload_DevAddrIsReversedOnWire(t *testing.T) {
	m := &MACPayload{
		FHDR: FHDR{DevAddr: DevAddr{0x01, 0x02, 0x03, 0x04}, FCnt: 0},
	}
	wire := m.Marshal(false)
	require.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, wire[0:4])
}

func TestJoinRequestPayload_RoundTrip(t *testing.T) {
	// DevEUI=0004A30B001A5F30, AppEUI=70B3D57ED0000000, DevNonce=ABCD.
	jr := &JoinRequestPayload{
		AppEUI:   EUI64{0x70, 0xB3, 0xD5, 0x7E, 0xD0, 0x00, 0x00, 0x00},
		DevEUI:   EUI64{0x00, 0x04, 0xA3, 0x0B, 0x00, 0x1A, 0x5F, 0x30},
		DevNonce: [2]byte{0xAB, 0xCD},
	}

	wire := jr.MarshalBinary()
	require.Len(t, wire, 18)

	// AppEUI reversed little-endian on the wire.
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0xD0, 0x7E, 0xD5, 0xB3, 0x70}, wire[0:8])

	got := &JoinRequestPayload{}
	require.NoError(t, got.UnmarshalBinary(wire))
	require.Equal(t, jr.AppEUI, got.AppEUI)
	require.Equal(t, jr.DevEUI, got.DevEUI)
	require.Equal(t, jr.DevNonce, got.DevNonce)
}

func TestJoinAcceptPayload_RoundTrip(t *testing.T) {
	ja := &JoinAcceptPayload{
		AppNonce:   [3]byte{0x01, 0x02, 0x03},
		NetID:      [3]byte{0x00, 0x00, 0x24},
		DevAddr:    DevAddr{0x04, 0xAA, 0xBB, 0xCC},
		DLSettings: DLSettings{RX1DROffset: 0, RX2DataRate: 0},
		RxDelay:    1,
	}

	wire := ja.MarshalBinary()
	require.Len(t, wire, 12)

	got := &JoinAcceptPayload{}
	require.NoError(t, got.UnmarshalBinary(wire))
	require.Equal(t, ja.AppNonce, got.AppNonce)
	require.Equal(t, ja.NetID, got.NetID)
	require.Equal(t, ja.DevAddr, got.DevAddr)
	require.Equal(t, ja.DLSettings, got.DLSettings)
	require.Equal(t, ja.RxDelay, got.RxDelay)
}

func TestPHYPayload_DataFrameRoundTrip(t *testing.T) {
	p := &PHYPayload{
		MHDR:       MHDR{MType: UnconfirmedDataUp, Major: LoRaWAN1_0},
		MACPayload: []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07},
		MIC:        [4]byte{0xDE, 0xAD, 0xBE, 0xEF},
	}

	wire, err := p.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, wire, 1+7+4)

	got := &PHYPayload{}
	require.NoError(t, got.UnmarshalBinary(wire))
	require.Equal(t, p.MHDR, got.MHDR)
	require.Equal(t, p.MACPayload, got.MACPayload)
	require.Equal(t, p.MIC, got.MIC)
}

func TestDataRateByIndex(t *testing.T) {
	dr, ok := DataRateByIndex(0)
	require.True(t, ok)
	require.Equal(t, "SF12BW125", dr.String())

	dr, ok = DataRateByIndex(6)
	require.True(t, ok)
	require.Equal(t, "SF7BW250", dr.String())

	_, ok = DataRateByIndex(7)
	require.False(t, ok)
}

func TestParseMACCommands(t *testing.T) {
	cmds, err := ParseMACCommands(true, []byte{LinkCheckReq, DevStatusAns, 0x0F, 0x05})
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	require.Equal(t, LinkCheckReq, cmds[0].CID)
	require.Equal(t, []byte{0x0F, 0x05}, cmds[1].Payload)
}

func TestParseMACCommands_UnknownCID(t *testing.T) {
	_, err := ParseMACCommands(true, []byte{0xFF})
	require.Error(t, err)
}
