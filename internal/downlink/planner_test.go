package downlink

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lorawan-net/mac-server/internal/engine"
	"github.com/lorawan-net/mac-server/internal/registry"
	"github.com/lorawan-net/mac-server/pkg/lorawan"
)

type scriptedHandler struct {
	result engine.HandlerResult
	txData *engine.TxData
	events []engine.RxEvent
}

func (s *scriptedHandler) HandleJoin(ctx context.Context, devAddr lorawan.DevAddr, app, appID string) error {
	return nil
}

func (s *scriptedHandler) HandleRx(ctx context.Context, event engine.RxEvent) (engine.HandlerResult, *engine.TxData, error) {
	s.events = append(s.events, event)
	return s.result, s.txData, nil
}

func testLink(devAddr lorawan.DevAddr) *registry.Link {
	return &registry.Link{
		DevAddr: devAddr,
		NwkSKey: lorawan.AES128Key{1, 2, 3, 4},
		AppSKey: lorawan.AES128Key{5, 6, 7, 8},
	}
}

func TestPlan_UnconfirmedNoReplyNeeded(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	devAddr := lorawan.DevAddr{0x01, 0x02, 0x03, 0x04}
	require.NoError(t, reg.PutLink(ctx, testLink(devAddr)))

	h := &scriptedHandler{result: engine.HandlerOK}
	p := NewPlanner(reg, h, Config{RxDelay2: 2})

	outcome, err := p.Plan(ctx, Input{
		DevAddr:    devAddr,
		Link:       testLink(devAddr),
		ReceivedAt: time.Now(),
	})
	require.NoError(t, err)
	require.False(t, outcome.Send)
}

func TestPlan_ConfirmedUplinkAlwaysReplies(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	devAddr := lorawan.DevAddr{0x01, 0x02, 0x03, 0x04}
	require.NoError(t, reg.PutLink(ctx, testLink(devAddr)))

	h := &scriptedHandler{result: engine.HandlerOK}
	p := NewPlanner(reg, h, Config{RxDelay2: 2, RX2Frequency: 923.3})

	rxTime := time.Now()
	outcome, err := p.Plan(ctx, Input{
		DevAddr:         devAddr,
		Link:            testLink(devAddr),
		ReceivedAt:      rxTime,
		UplinkConfirmed: true,
	})
	require.NoError(t, err)
	require.True(t, outcome.Send)
	require.Equal(t, rxTime.Add(2*time.Second), outcome.Time)
	require.True(t, h.events[0].ShallReply)

	link, err := reg.GetLink(ctx, devAddr)
	require.NoError(t, err)
	require.Equal(t, uint32(1), link.FCntDown)
}

func TestPlan_HandlerSendBuildsDataDownlink(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	devAddr := lorawan.DevAddr{0x01, 0x02, 0x03, 0x04}
	require.NoError(t, reg.PutLink(ctx, testLink(devAddr)))

	port := uint8(5)
	h := &scriptedHandler{
		result: engine.HandlerSend,
		txData: &engine.TxData{Confirmed: true, Port: &port, Data: []byte("hi")},
	}
	p := NewPlanner(reg, h, Config{RxDelay2: 2})

	outcome, err := p.Plan(ctx, Input{
		DevAddr:    devAddr,
		Link:       testLink(devAddr),
		ReceivedAt: time.Now(),
	})
	require.NoError(t, err)
	require.True(t, outcome.Send)
	require.NotEmpty(t, outcome.PHYPayload)

	pd, err := reg.GetPendingDownlink(ctx, devAddr)
	require.NoError(t, err)
	require.Equal(t, outcome.PHYPayload, pd.PHYPayload)
}

func TestPlan_LostDownlinkRetransmit(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	devAddr := lorawan.DevAddr{0x01, 0x02, 0x03, 0x04}
	require.NoError(t, reg.PutLink(ctx, testLink(devAddr)))
	require.NoError(t, reg.PutPendingDownlink(ctx, &registry.PendingDownlink{
		DevAddr:    devAddr,
		PHYPayload: []byte{0xAA, 0xBB, 0xCC},
		Confirmed:  true,
	}))

	h := &scriptedHandler{result: engine.HandlerRetransmit}
	p := NewPlanner(reg, h, Config{RxDelay2: 2})

	outcome, err := p.Plan(ctx, Input{
		DevAddr:    devAddr,
		Link:       testLink(devAddr),
		ReceivedAt: time.Now(),
		UplinkACK:  false,
	})
	require.NoError(t, err)
	require.True(t, outcome.Send)
	require.Equal(t, []byte{0xAA, 0xBB, 0xCC}, outcome.PHYPayload)
	require.True(t, h.events[0].LastLost)
}

func TestPlan_AckedDownlinkClearsPending(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	devAddr := lorawan.DevAddr{0x01, 0x02, 0x03, 0x04}
	require.NoError(t, reg.PutLink(ctx, testLink(devAddr)))
	require.NoError(t, reg.PutPendingDownlink(ctx, &registry.PendingDownlink{
		DevAddr:    devAddr,
		PHYPayload: []byte{0xAA, 0xBB, 0xCC},
		Confirmed:  true,
	}))

	h := &scriptedHandler{result: engine.HandlerOK}
	p := NewPlanner(reg, h, Config{RxDelay2: 2})

	_, err := p.Plan(ctx, Input{
		DevAddr:    devAddr,
		Link:       testLink(devAddr),
		ReceivedAt: time.Now(),
		UplinkACK:  true,
	})
	require.NoError(t, err)
	require.False(t, h.events[0].LastLost)

	_, err = reg.GetPendingDownlink(ctx, devAddr)
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestPlan_CarriesADRInUseBitFromLink(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	devAddr := lorawan.DevAddr{0x01, 0x02, 0x03, 0x04}
	link := testLink(devAddr)
	link.ADRInUse = true
	require.NoError(t, reg.PutLink(ctx, link))

	h := &scriptedHandler{result: engine.HandlerOK}
	p := NewPlanner(reg, h, Config{RxDelay2: 2})

	outcome, err := p.Plan(ctx, Input{
		DevAddr:         devAddr,
		Link:            link,
		ReceivedAt:      time.Now(),
		UplinkConfirmed: true,
	})
	require.NoError(t, err)
	require.True(t, outcome.Send)

	var phy lorawan.PHYPayload
	require.NoError(t, phy.UnmarshalBinary(outcome.PHYPayload))
	var macPayload lorawan.MACPayload
	require.NoError(t, macPayload.Unmarshal(phy.MACPayload, false))
	require.True(t, macPayload.FHDR.FCtrl.ADR)
}

func TestPlan_RetransmitWithNoPendingIsError(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	devAddr := lorawan.DevAddr{0x01, 0x02, 0x03, 0x04}
	require.NoError(t, reg.PutLink(ctx, testLink(devAddr)))

	h := &scriptedHandler{result: engine.HandlerRetransmit}
	p := NewPlanner(reg, h, Config{RxDelay2: 2})

	_, err := p.Plan(ctx, Input{
		DevAddr:    devAddr,
		Link:       testLink(devAddr),
		ReceivedAt: time.Now(),
	})
	require.Error(t, err)
}
