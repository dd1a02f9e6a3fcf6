package frame

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lorawan-net/mac-server/internal/downlink"
	"github.com/lorawan-net/mac-server/internal/engine"
	"github.com/lorawan-net/mac-server/internal/join"
	"github.com/lorawan-net/mac-server/internal/mac"
	"github.com/lorawan-net/mac-server/internal/registry"
	"github.com/lorawan-net/mac-server/pkg/crypto"
	"github.com/lorawan-net/mac-server/pkg/lorawan"
)

var testAppKey = lorawan.AES128Key{0x2B, 0x7E, 0x15, 0x16, 0x28, 0xAE, 0xD2, 0xA6, 0xAB, 0xF7, 0x15, 0x88, 0x09, 0xCF, 0x4F, 0x3C}

type capturingHandler struct {
	rxEvents []engine.RxEvent
}

func (c *capturingHandler) HandleJoin(ctx context.Context, devAddr lorawan.DevAddr, app, appID string) error {
	return nil
}

func (c *capturingHandler) HandleRx(ctx context.Context, event engine.RxEvent) (engine.HandlerResult, *engine.TxData, error) {
	c.rxEvents = append(c.rxEvents, event)
	return engine.HandlerOK, nil, nil
}

func newTestProcessor(t *testing.T) (*Processor, registry.Registry, *capturingHandler, lorawan.EUI64) {
	t.Helper()
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()

	gwMAC := lorawan.EUI64{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11}
	require.NoError(t, reg.PutGateway(ctx, &registry.Gateway{MAC: gwMAC}))

	h := &capturingHandler{}
	joinEng := join.NewEngine(reg, join.Config{NetID: [3]byte{0x01, 0xA6, 0xDB}, RxDelay: 1}, h)
	macH := mac.NewHandler(mac.DefaultADRConfig)
	planner := downlink.NewPlanner(reg, h, downlink.Config{RxDelay2: 2, RX2Frequency: 923.3})
	proc := NewProcessor(reg, joinEng, macH, planner, DefaultConfig)

	return proc, reg, h, gwMAC
}

func joinDevice(t *testing.T, proc *Processor, reg registry.Registry, gwMAC lorawan.EUI64, devEUI lorawan.EUI64) lorawan.DevAddr {
	t.Helper()
	ctx := context.Background()
	appEUI := lorawan.EUI64{0x70, 0xB3, 0xD5, 0x7E, 0xD0, 0x00, 0x00, 0x00}
	require.NoError(t, reg.(*registry.MemoryRegistry).PutDevice(ctx, &registry.Device{
		DevEUI: devEUI, AppEUI: appEUI, AppKey: testAppKey, CanJoin: true, App: "demo", AppID: "app-1",
	}))

	jr := lorawan.JoinRequestPayload{AppEUI: appEUI, DevEUI: devEUI, DevNonce: [2]byte{0x01, 0x02}}
	body := jr.MarshalBinary()
	mhdr := lorawan.MHDR{MType: lorawan.JoinRequest, Major: lorawan.LoRaWAN1_0}.Byte()
	mic, err := lorawan.JoinRequestMIC(testAppKey, mhdr, body)
	require.NoError(t, err)

	phy := lorawan.PHYPayload{MHDR: lorawan.ParseMHDR(mhdr), MACPayload: body, MIC: mic}
	phyBytes, err := phy.MarshalBinary()
	require.NoError(t, err)

	outcome, err := proc.ProcessFrame(ctx, gwMAC, time.Now(), engine.RxQuality{}, engine.RFParams{}, phyBytes)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	require.True(t, outcome.Send)

	device, err := reg.GetDevice(ctx, devEUI)
	require.NoError(t, err)
	require.NotNil(t, device.Link)
	return *device.Link
}

func buildDataUplinkPHY(t *testing.T, nwkSKey, appSKey lorawan.AES128Key, devAddr lorawan.DevAddr, fcnt uint32, port uint8, plaintext []byte) []byte {
	t.Helper()
	return buildDataUplinkPHYWithFCtrl(t, nwkSKey, appSKey, devAddr, fcnt, port, plaintext, lorawan.FCtrl{})
}

func buildDataUplinkPHYWithFCtrl(t *testing.T, nwkSKey, appSKey lorawan.AES128Key, devAddr lorawan.DevAddr, fcnt uint32, port uint8, plaintext []byte, fctrl lorawan.FCtrl) []byte {
	t.Helper()
	frm, err := lorawan.EncryptFRMPayload(appSKey, crypto.Up, devAddr, fcnt, plaintext)
	require.NoError(t, err)

	macPayload := lorawan.MACPayload{
		FHDR:       lorawan.FHDR{DevAddr: devAddr, FCtrl: fctrl, FCnt: uint16(fcnt)},
		FPort:      &port,
		FRMPayload: frm,
	}
	macBytes := macPayload.Marshal(true)
	mhdr := lorawan.MHDR{MType: lorawan.UnconfirmedDataUp, Major: lorawan.LoRaWAN1_0}.Byte()
	mic, err := lorawan.DataMIC(crypto.Up, devAddr, fcnt, nwkSKey, mhdr, macBytes)
	require.NoError(t, err)

	phy := lorawan.PHYPayload{MHDR: lorawan.ParseMHDR(mhdr), MACPayload: macBytes, MIC: mic}
	phyBytes, err := phy.MarshalBinary()
	require.NoError(t, err)
	return phyBytes
}

func TestProcessFrame_JoinThenDataUplink(t *testing.T) {
	ctx := context.Background()
	proc, reg, h, gwMAC := newTestProcessor(t)
	devEUI := lorawan.EUI64{0x00, 0x04, 0xA3, 0x0B, 0x00, 0x1A, 0x5F, 0x30}
	devAddr := joinDevice(t, proc, reg, gwMAC, devEUI)

	link, err := reg.GetLink(ctx, devAddr)
	require.NoError(t, err)

	phyBytes := buildDataUplinkPHY(t, link.NwkSKey, link.AppSKey, devAddr, 1, 10, []byte("hello"))

	outcome, err := proc.ProcessFrame(ctx, gwMAC, time.Now(), engine.RxQuality{LoRaSNR: 7.5}, engine.RFParams{FrequencyMHz: 868.1}, phyBytes)
	require.NoError(t, err)
	require.False(t, outcome.Send) // unconfirmed, no MAC commands pending, handler said OK

	updated, err := reg.GetLink(ctx, devAddr)
	require.NoError(t, err)
	require.Equal(t, uint32(1), updated.FCntUp)
	require.Len(t, updated.ADRHistory, 1)
	require.False(t, updated.ADRInUse)

	require.Len(t, h.rxEvents, 1)
	require.Equal(t, []byte("hello"), h.rxEvents[0].Data)
	require.Equal(t, uint8(10), h.rxEvents[0].Port)
}

func TestProcessFrame_PersistsADRInUseBitFromFCtrl(t *testing.T) {
	ctx := context.Background()
	proc, reg, _, gwMAC := newTestProcessor(t)
	devEUI := lorawan.EUI64{0x00, 0x04, 0xA3, 0x0B, 0x00, 0x1A, 0x5F, 0x30}
	devAddr := joinDevice(t, proc, reg, gwMAC, devEUI)

	link, err := reg.GetLink(ctx, devAddr)
	require.NoError(t, err)
	require.False(t, link.ADRInUse)

	phyBytes := buildDataUplinkPHYWithFCtrl(t, link.NwkSKey, link.AppSKey, devAddr, 1, 10, []byte("hello"), lorawan.FCtrl{ADR: true})

	_, err = proc.ProcessFrame(ctx, gwMAC, time.Now(), engine.RxQuality{}, engine.RFParams{}, phyBytes)
	require.NoError(t, err)

	updated, err := reg.GetLink(ctx, devAddr)
	require.NoError(t, err)
	require.True(t, updated.ADRInUse)
}

func TestProcessFrame_UnknownGateway(t *testing.T) {
	proc, _, _, _ := newTestProcessor(t)
	_, err := proc.ProcessFrame(context.Background(), lorawan.EUI64{0xFF}, time.Now(), engine.RxQuality{}, engine.RFParams{}, []byte{0, 0, 0, 0, 0})
	require.Error(t, err)
	var pe *engine.ProcessError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, engine.ErrUnknownMAC, pe.Kind)
}

func TestProcessFrame_UnknownDevAddr(t *testing.T) {
	ctx := context.Background()
	proc, _, _, gwMAC := newTestProcessor(t)

	devAddr := lorawan.DevAddr{0x99, 0x99, 0x99, 0x99}
	phyBytes := buildDataUplinkPHY(t, lorawan.AES128Key{}, lorawan.AES128Key{}, devAddr, 1, 1, []byte("x"))

	_, err := proc.ProcessFrame(ctx, gwMAC, time.Now(), engine.RxQuality{}, engine.RFParams{}, phyBytes)
	require.Error(t, err)
	var pe *engine.ProcessError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, engine.ErrUnknownDevAddr, pe.Kind)
}

func TestProcessFrame_BadMICDoesNotMutateState(t *testing.T) {
	ctx := context.Background()
	proc, reg, _, gwMAC := newTestProcessor(t)
	devEUI := lorawan.EUI64{0x00, 0x04, 0xA3, 0x0B, 0x00, 0x1A, 0x5F, 0x30}
	devAddr := joinDevice(t, proc, reg, gwMAC, devEUI)

	link, err := reg.GetLink(ctx, devAddr)
	require.NoError(t, err)

	phyBytes := buildDataUplinkPHY(t, link.NwkSKey, link.AppSKey, devAddr, 1, 10, []byte("hello"))
	phyBytes[len(phyBytes)-1] ^= 0xFF // corrupt MIC

	_, err = proc.ProcessFrame(ctx, gwMAC, time.Now(), engine.RxQuality{}, engine.RFParams{}, phyBytes)
	require.Error(t, err)
	var pe *engine.ProcessError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, engine.ErrBadMIC, pe.Kind)

	unchanged, err := reg.GetLink(ctx, devAddr)
	require.NoError(t, err)
	require.Equal(t, uint32(0), unchanged.FCntUp)
}

func TestProcessFrame_FCntGapTooLargeRejected(t *testing.T) {
	ctx := context.Background()
	proc, reg, _, gwMAC := newTestProcessor(t)
	devEUI := lorawan.EUI64{0x00, 0x04, 0xA3, 0x0B, 0x00, 0x1A, 0x5F, 0x30}
	devAddr := joinDevice(t, proc, reg, gwMAC, devEUI)

	link, err := reg.GetLink(ctx, devAddr)
	require.NoError(t, err)

	phyBytes := buildDataUplinkPHY(t, link.NwkSKey, link.AppSKey, devAddr, 20000, 10, []byte("hello"))

	_, err = proc.ProcessFrame(ctx, gwMAC, time.Now(), engine.RxQuality{}, engine.RFParams{}, phyBytes)
	require.Error(t, err)
	var pe *engine.ProcessError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, engine.ErrFCntGapTooLarge, pe.Kind)
}

func TestProcessFrame_IgnoredLinkIsSilentlyDropped(t *testing.T) {
	ctx := context.Background()
	proc, reg, h, gwMAC := newTestProcessor(t)
	devEUI := lorawan.EUI64{0x00, 0x04, 0xA3, 0x0B, 0x00, 0x1A, 0x5F, 0x30}
	devAddr := joinDevice(t, proc, reg, gwMAC, devEUI)

	reg.(*registry.MemoryRegistry).AddIgnoredLink(registry.IgnoredLink{
		Base: devAddr,
		Mask: lorawan.DevAddr{0xFF, 0xFF, 0xFF, 0xFF},
	})

	link, err := reg.GetLink(ctx, devAddr)
	require.NoError(t, err)
	phyBytes := buildDataUplinkPHY(t, link.NwkSKey, link.AppSKey, devAddr, 1, 10, []byte("hello"))

	outcome, err := proc.ProcessFrame(ctx, gwMAC, time.Now(), engine.RxQuality{}, engine.RFParams{}, phyBytes)
	require.NoError(t, err)
	require.Nil(t, outcome)
	require.Empty(t, h.rxEvents)
}

func TestReconstructFCnt_WrapsAcrossSixteenBitBoundary(t *testing.T) {
	full, err := reconstructFCnt(0xFFFE, 1, 16384)
	require.NoError(t, err)
	require.Equal(t, uint32(0x10000+1), full)
}

func TestReconstructFCnt_RejectsGapAtThreshold(t *testing.T) {
	_, err := reconstructFCnt(0, 16384, 16384)
	require.Error(t, err)
}
