// Package downlink decides whether a received uplink warrants a
// reply and, if so, builds and schedules it on the RX2 window.
package downlink

import (
	"context"
	"fmt"
	"time"

	"github.com/lorawan-net/mac-server/internal/engine"
	"github.com/lorawan-net/mac-server/internal/registry"
	"github.com/lorawan-net/mac-server/pkg/crypto"
	"github.com/lorawan-net/mac-server/pkg/lorawan"
)

// Config carries the RX2-only timing and channel parameters this core
// schedules every downlink on. RX1 is out of scope.
type Config struct {
	RxDelay2      uint8 // seconds after the uplink
	RX2Frequency  float64
	RX2DataRate   uint8
	RX2CodingRate string
}

// Input is everything the planner needs about one accepted uplink to
// decide on and build a reply.
type Input struct {
	DevAddr         lorawan.DevAddr
	Link            *registry.Link
	ReceivedAt      time.Time
	UplinkConfirmed bool // the uplink's MType was ConfirmedDataUp
	UplinkACK       bool // the uplink's FCtrl.ACK bit
	ADRACKReq       bool
	FOptsOut        []byte
	Event           engine.RxEvent
}

// Planner implements the "must we respond, and with what" decision:
// lost-downlink retransmit detection, the reply-is-mandatory
// conditions, and RX2 scheduling.
type Planner struct {
	reg     registry.Registry
	handler engine.ApplicationHandler
	cfg     Config
}

// NewPlanner builds a Planner.
func NewPlanner(reg registry.Registry, handler engine.ApplicationHandler, cfg Config) *Planner {
	return &Planner{reg: reg, handler: handler, cfg: cfg}
}

// Plan runs the decision and, when a reply is due, builds and
// schedules it. A returned Outcome with Send == false means no
// downlink is transmitted for this uplink.
func (p *Planner) Plan(ctx context.Context, in Input) (*engine.Outcome, error) {
	pending, err := p.reg.GetPendingDownlink(ctx, in.DevAddr)
	hasPending := err == nil
	if err != nil && err != registry.ErrNotFound {
		return nil, err
	}

	if hasPending {
		if in.UplinkACK {
			if err := p.reg.DeletePendingDownlink(ctx, in.DevAddr); err != nil {
				return nil, err
			}
			hasPending = false
		} else {
			in.Event.LastLost = true
		}
	}

	shallReply := in.UplinkConfirmed || in.ADRACKReq || len(in.FOptsOut) > 0
	in.Event.ShallReply = shallReply

	result, txData, err := p.handler.HandleRx(ctx, in.Event)
	if err != nil {
		return nil, err
	}

	switch result {
	case engine.HandlerRetransmit:
		if !hasPending {
			return nil, fmt.Errorf("application handler requested a retransmit with no pending downlink for %s", in.DevAddr)
		}
		return p.resend(pending, in), nil
	case engine.HandlerSend:
		return p.send(ctx, in, txData)
	default:
		if shallReply {
			return p.send(ctx, in, nil)
		}
		return &engine.Outcome{Send: false}, nil
	}
}

func (p *Planner) scheduledTime(in Input) time.Time {
	return in.ReceivedAt.Add(time.Duration(p.cfg.RxDelay2) * time.Second)
}

func (p *Planner) rx2RF() engine.RFParams {
	return engine.RFParams{
		FrequencyMHz: p.cfg.RX2Frequency,
		DataRate:     p.cfg.RX2DataRate,
		CodingRate:   p.cfg.RX2CodingRate,
	}
}

func (p *Planner) resend(pending *registry.PendingDownlink, in Input) *engine.Outcome {
	return &engine.Outcome{
		Send:       true,
		Time:       p.scheduledTime(in),
		RF:         p.rx2RF(),
		PHYPayload: pending.PHYPayload,
	}
}

// send builds a fresh downlink: it atomically bumps FCntDown, encodes
// FOptsOut and any application payload, signs the frame and, for a
// confirmed downlink, stashes it as the PendingDownlink a lost-ACK
// retransmit will later resend verbatim.
func (p *Planner) send(ctx context.Context, in Input, txData *engine.TxData) (*engine.Outcome, error) {
	tx, err := p.reg.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	fcntDown, err := tx.IncrementFCntDown(ctx, in.DevAddr)
	if err != nil {
		return nil, err
	}

	confirmed := txData != nil && txData.Confirmed
	pending := txData != nil && txData.Pending

	var fPort *uint8
	var frmPayload []byte
	if txData != nil && txData.Data != nil {
		fPort = txData.Port
		frmPayload, err = lorawan.EncryptFRMPayload(in.Link.AppSKey, crypto.Down, in.DevAddr, fcntDown, txData.Data)
		if err != nil {
			return nil, err
		}
	}

	macPayload := lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: in.DevAddr,
			FCtrl: lorawan.FCtrl{
				ADR:      in.Link.ADRInUse,
				ACK:      in.UplinkConfirmed,
				FPending: pending,
			},
			FCnt:  uint16(fcntDown),
			FOpts: in.FOptsOut,
		},
		FPort:      fPort,
		FRMPayload: frmPayload,
	}

	mtype := lorawan.UnconfirmedDataDown
	if confirmed {
		mtype = lorawan.ConfirmedDataDown
	}
	mhdr := lorawan.MHDR{MType: mtype, Major: lorawan.LoRaWAN1_0}.Byte()

	macBytes := macPayload.Marshal(false)
	mic, err := lorawan.DataMIC(crypto.Down, in.DevAddr, fcntDown, in.Link.NwkSKey, mhdr, macBytes)
	if err != nil {
		return nil, err
	}

	phyStruct := lorawan.PHYPayload{
		MHDR:       lorawan.ParseMHDR(mhdr),
		MACPayload: macBytes,
		MIC:        mic,
	}
	phy, err := phyStruct.MarshalBinary()
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if confirmed {
		if err := p.reg.PutPendingDownlink(ctx, &registry.PendingDownlink{
			DevAddr:    in.DevAddr,
			PHYPayload: phy,
			Confirmed:  true,
			CreatedAt:  in.ReceivedAt,
		}); err != nil {
			return nil, err
		}
	}

	return &engine.Outcome{
		Send:       true,
		Time:       p.scheduledTime(in),
		RF:         p.rx2RF(),
		PHYPayload: phy,
	}, nil
}
