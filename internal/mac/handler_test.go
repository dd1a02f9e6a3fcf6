package mac

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lorawan-net/mac-server/internal/registry"
	"github.com/lorawan-net/mac-server/pkg/lorawan"
)

func testLink() *registry.Link {
	return &registry.Link{
		DevAddr: lorawan.DevAddr{0x01, 0x02, 0x03, 0x04},
		ADR:     registry.ADRSettings{PowerIndex: 1, DataRateIndex: 2, ChannelMask: 0x00FF},
	}
}

func TestHandle_LinkCheckReqProducesAns(t *testing.T) {
	h := NewHandler(DefaultADRConfig)
	link := testLink()
	link.ADRHistory = []registry.ADRSample{{MaxSNR: -5, GatewayCount: 2}}

	fopts := []byte{lorawan.LinkCheckReq}
	out, err := h.Handle(link, fopts)
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, lorawan.LinkCheckAns, out[0])
	require.Equal(t, byte(2), out[2]) // gateway count
}

func TestHandle_NoCommandsReturnsNilFOpts(t *testing.T) {
	h := NewHandler(DefaultADRConfig)
	out, err := h.Handle(testLink(), nil)
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestHandle_DevStatusAnsUpdatesLink(t *testing.T) {
	h := NewHandler(DefaultADRConfig)
	link := testLink()

	fopts := []byte{lorawan.DevStatusAns, 200, 0x0A}
	_, err := h.Handle(link, fopts)
	require.NoError(t, err)
	require.Equal(t, uint8(200), link.LastDevStatus.Battery)
	require.Equal(t, int8(10), link.LastDevStatus.Margin)
}

func TestHandle_ADRRequestedOnceHistoryFull(t *testing.T) {
	h := NewHandler(DefaultADRConfig)
	link := testLink()
	link.ADRInUse = true
	for i := 0; i < DefaultADRConfig.HistorySize; i++ {
		link.PushADRSample(registry.ADRSample{MaxSNR: 10, GatewayCount: 1})
	}

	out, err := h.Handle(link, nil)
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Equal(t, lorawan.LinkADRReq, out[0])
	require.Equal(t, uint8(3), link.ADR.DataRateIndex) // raised by one step
}

func TestHandle_ADRNotRequestedBelowHistorySize(t *testing.T) {
	h := NewHandler(DefaultADRConfig)
	link := testLink()
	link.ADRInUse = true
	link.PushADRSample(registry.ADRSample{MaxSNR: 10, GatewayCount: 1})

	out, err := h.Handle(link, nil)
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestHandle_ADRSkippedWhenLinkNotOptedIn(t *testing.T) {
	h := NewHandler(DefaultADRConfig)
	link := testLink()
	for i := 0; i < DefaultADRConfig.HistorySize; i++ {
		link.PushADRSample(registry.ADRSample{MaxSNR: 10, GatewayCount: 1})
	}

	out, err := h.Handle(link, nil)
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestHandle_UnparseableFOptsReturnsError(t *testing.T) {
	h := NewHandler(DefaultADRConfig)
	_, err := h.Handle(testLink(), []byte{0xFF})
	require.Error(t, err)
}
