// Package frame implements the uplink entry point: gateway lookup,
// join/data dispatch, frame-counter reconstruction, MIC verification
// and the decrypt-persist-reply pipeline for accepted data frames.
package frame

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-net/mac-server/internal/downlink"
	"github.com/lorawan-net/mac-server/internal/engine"
	"github.com/lorawan-net/mac-server/internal/join"
	"github.com/lorawan-net/mac-server/internal/mac"
	"github.com/lorawan-net/mac-server/internal/registry"
	"github.com/lorawan-net/mac-server/pkg/crypto"
	"github.com/lorawan-net/mac-server/pkg/lorawan"
)

// Config bounds the parts of frame processing the core cannot infer
// from the wire alone.
type Config struct {
	MaxFCntGap uint32
}

// DefaultConfig matches the bounded frame-counter gap this core
// tolerates before refusing to resynchronize.
var DefaultConfig = Config{MaxFCntGap: 16384}

// Processor is the FrameProcessor: it owns the Registry and
// orchestrates the join, MAC-command and downlink-planning
// components on every accepted uplink.
type Processor struct {
	reg     registry.Registry
	joinEng *join.Engine
	macH    *mac.Handler
	planner *downlink.Planner
	cfg     Config

	devLocks keyedMutex
}

// NewProcessor wires a Processor from its already-constructed
// collaborators.
func NewProcessor(reg registry.Registry, joinEng *join.Engine, macH *mac.Handler, planner *downlink.Planner, cfg Config) *Processor {
	if cfg.MaxFCntGap == 0 {
		cfg.MaxFCntGap = DefaultConfig.MaxFCntGap
	}
	return &Processor{reg: reg, joinEng: joinEng, macH: macH, planner: planner, cfg: cfg}
}

// ProcessFrame runs one uplink PHY payload through the full pipeline
// and returns the downlink to schedule, if any.
func (p *Processor) ProcessFrame(ctx context.Context, gatewayMAC lorawan.EUI64, receivedAt time.Time, rxq engine.RxQuality, rf engine.RFParams, phyPayload []byte) (*engine.Outcome, error) {
	gw, err := p.reg.GetGateway(ctx, gatewayMAC)
	if err != nil {
		if err == registry.ErrNotFound {
			return nil, engine.NewError(engine.ErrUnknownMAC, err)
		}
		return nil, err
	}
	p.recordGatewaySeen(ctx, gw, receivedAt)

	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(phyPayload); err != nil {
		return nil, engine.NewError(engine.ErrParse, err)
	}

	if phy.MHDR.MType == lorawan.JoinRequest {
		outcome, err := p.joinEng.HandleJoinRequest(ctx, receivedAt, rxq, rf, phy.MHDR.Byte(), phy.MACPayload, phy.MIC)
		if err == nil {
			p.recordFrameValid(ctx, gw)
		}
		return outcome, err
	}

	if phy.MHDR.MType != lorawan.UnconfirmedDataUp && phy.MHDR.MType != lorawan.ConfirmedDataUp {
		return nil, engine.NewError(engine.ErrParse, nil)
	}

	var macPayload lorawan.MACPayload
	if err := macPayload.Unmarshal(phy.MACPayload, true); err != nil {
		return nil, engine.NewError(engine.ErrParse, err)
	}
	devAddr := macPayload.FHDR.DevAddr

	unlock := p.devLocks.Lock(devAddr)
	defer unlock()

	ignored, err := p.isIgnored(ctx, devAddr)
	if err != nil {
		return nil, err
	}
	if ignored {
		log.Debug().Stringer("dev_addr", devAddr).Msg("uplink from ignored link, dropping")
		return nil, nil
	}

	link, err := p.reg.GetLink(ctx, devAddr)
	if err != nil {
		if err == registry.ErrNotFound {
			return nil, engine.NewError(engine.ErrUnknownDevAddr, err)
		}
		return nil, err
	}

	fullFCnt, err := reconstructFCnt(link.FCntUp, macPayload.FHDR.FCnt, p.cfg.MaxFCntGap)
	if err != nil {
		return nil, err
	}

	mic, err := lorawan.DataMIC(crypto.Up, devAddr, fullFCnt, link.NwkSKey, phy.MHDR.Byte(), phy.MACPayload)
	if err != nil {
		return nil, err
	}
	if mic != phy.MIC {
		return nil, engine.NewError(engine.ErrBadMIC, nil)
	}

	link.ADRInUse = macPayload.FHDR.FCtrl.ADR

	foptsOut, err := p.runMACCommands(link, devAddr, fullFCnt, macPayload)
	if err != nil {
		return nil, err
	}

	link.FCntUp = fullFCnt
	link.LastRxAt = receivedAt
	link.PushADRSample(registry.ADRSample{FCnt: fullFCnt, MaxSNR: rxq.LoRaSNR, GatewayCount: 1})
	if err := p.reg.PutLink(ctx, link); err != nil {
		return nil, err
	}

	var port uint8
	var appData []byte
	if macPayload.FPort != nil && *macPayload.FPort != 0 {
		port = *macPayload.FPort
		appData, err = lorawan.DecryptFRMPayload(link.AppSKey, crypto.Up, devAddr, fullFCnt, macPayload.FRMPayload)
		if err != nil {
			return nil, err
		}
	}

	if err := p.reg.AppendRxFrame(ctx, &registry.RxFrame{
		GatewayMAC: gatewayMAC,
		RSSI:       rxq.RSSI,
		SNR:        rxq.LoRaSNR,
		Frequency:  rf.FrequencyMHz,
		DataRate:   int(rf.DataRate),
		CodingRate: rf.CodingRate,
		DevAddr:    devAddr,
		FCntUp:     fullFCnt,
		ReceivedAt: receivedAt,
	}); err != nil {
		return nil, err
	}

	p.recordFrameValid(ctx, gw)

	outcome, err := p.planner.Plan(ctx, downlink.Input{
		DevAddr:         devAddr,
		Link:            link,
		ReceivedAt:      receivedAt,
		UplinkConfirmed: phy.MHDR.MType == lorawan.ConfirmedDataUp,
		UplinkACK:       macPayload.FHDR.FCtrl.ACK,
		ADRACKReq:       macPayload.FHDR.FCtrl.ADRACKReq,
		FOptsOut:        foptsOut,
		Event: engine.RxEvent{
			DevAddr: devAddr,
			App:     link.App,
			AppID:   link.AppID,
			Port:    port,
			Data:    appData,
		},
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// runMACCommands feeds whichever channel carried MAC commands on this
// frame — FOpts, or an FPort-0 FRMPayload — to the MAC-command
// handler.
func (p *Processor) runMACCommands(link *registry.Link, devAddr lorawan.DevAddr, fullFCnt uint32, macPayload lorawan.MACPayload) ([]byte, error) {
	var macIn []byte
	switch {
	case len(macPayload.FHDR.FOpts) > 0:
		macIn = macPayload.FHDR.FOpts
	case macPayload.FPort != nil && *macPayload.FPort == 0:
		decrypted, err := lorawan.DecryptFRMPayload(link.NwkSKey, crypto.Up, devAddr, fullFCnt, macPayload.FRMPayload)
		if err != nil {
			return nil, err
		}
		macIn = decrypted
	}
	return p.macH.Handle(link, macIn)
}

func (p *Processor) isIgnored(ctx context.Context, devAddr lorawan.DevAddr) (bool, error) {
	ignored, err := p.reg.ListIgnoredLinks(ctx)
	if err != nil {
		return false, err
	}
	for _, il := range ignored {
		if il.Matches(devAddr) {
			return true, nil
		}
	}
	return false, nil
}

// reconstructFCnt recovers the 32-bit frame counter from its 16-bit
// wire value, bounding the forward gap so a replayed or wildly
// desynchronized counter is rejected rather than silently adopted.
func reconstructFCnt(lastFCnt uint32, wire uint16, maxGap uint32) (uint32, error) {
	last16 := uint16(lastFCnt & 0xFFFF)

	var gap uint32
	if wire >= last16 {
		gap = uint32(wire - last16)
	} else {
		gap = uint32(0x10000-uint32(last16)) + uint32(wire)
	}

	if gap >= maxGap {
		return 0, engine.NewError(engine.ErrFCntGapTooLarge, nil)
	}
	return lastFCnt + gap, nil
}

// GatewayStatus carries a periodic stats beacon separate from any
// received frame.
type GatewayStatus struct {
	RXPacketsReceived int
	RXPacketsValid    int
	TXPacketsEmitted  int
}

// ProcessStatus records a gateway's self-reported counters and marks
// it as recently seen.
func (p *Processor) ProcessStatus(ctx context.Context, gatewayMAC lorawan.EUI64, receivedAt time.Time, status GatewayStatus) error {
	gw, err := p.reg.GetGateway(ctx, gatewayMAC)
	if err != nil {
		return err
	}
	gw.LastSeenAt = receivedAt
	gw.Stats = registry.GatewayStats(status)
	return p.reg.PutGateway(ctx, gw)
}

// recordGatewaySeen counts every PHY payload a gateway forwards,
// whether or not it is ultimately accepted.
func (p *Processor) recordGatewaySeen(ctx context.Context, gw *registry.Gateway, seenAt time.Time) {
	gw.LastSeenAt = seenAt
	gw.Stats.RXPacketsReceived++
	if err := p.reg.PutGateway(ctx, gw); err != nil {
		log.Warn().Err(err).Stringer("gateway", gw.MAC).Msg("failed to persist gateway stats")
	}
}

// recordFrameValid additionally counts a frame that passed MIC
// verification (join or data).
func (p *Processor) recordFrameValid(ctx context.Context, gw *registry.Gateway) {
	gw.Stats.RXPacketsValid++
	if err := p.reg.PutGateway(ctx, gw); err != nil {
		log.Warn().Err(err).Stringer("gateway", gw.MAC).Msg("failed to persist gateway stats")
	}
}

// keyedMutex serializes operations on the same DevAddr without
// blocking unrelated devices against each other.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[lorawan.DevAddr]*sync.Mutex
}

func (k *keyedMutex) Lock(key lorawan.DevAddr) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[lorawan.DevAddr]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
