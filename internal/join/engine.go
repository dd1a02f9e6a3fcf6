// Package join implements the OTAA join handshake: MIC verification,
// session-key derivation, DevAddr allocation and Join-Accept
// construction.
package join

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-net/mac-server/internal/engine"
	"github.com/lorawan-net/mac-server/internal/registry"
	"github.com/lorawan-net/mac-server/pkg/crypto"
	"github.com/lorawan-net/mac-server/pkg/lorawan"
)

// Config bounds the join handshake with the network identity and
// timing the core has no way to infer on its own.
type Config struct {
	NetID              [3]byte
	RxDelay            uint8 // seconds before the Join-Accept transmission
	RX2DataRate        uint8
	MaxDevAddrAttempts int
}

// DefaultConfig carries the bounded-retry DevAddr allocation policy.
var DefaultConfig = Config{
	RxDelay:            1,
	MaxDevAddrAttempts: 8,
}

// Engine runs the OTAA join handshake against a Registry.
type Engine struct {
	reg     registry.Registry
	cfg     Config
	handler engine.ApplicationHandler
}

// NewEngine builds a join Engine.
func NewEngine(reg registry.Registry, cfg Config, handler engine.ApplicationHandler) *Engine {
	if cfg.MaxDevAddrAttempts <= 0 {
		cfg.MaxDevAddrAttempts = DefaultConfig.MaxDevAddrAttempts
	}
	return &Engine{reg: reg, cfg: cfg, handler: handler}
}

// HandleJoinRequest runs the join-request algorithm end to end. A nil
// Outcome with a nil error means the request was silently ignored (an
// unknown DevEUI is reported as an error; a known but join-disabled
// device is not, since that is an expected steady state rather than a
// fault).
func (e *Engine) HandleJoinRequest(ctx context.Context, receivedAt time.Time, rxq engine.RxQuality, rf engine.RFParams, mhdr byte, body []byte, wireMIC [4]byte) (*engine.Outcome, error) {
	var jr lorawan.JoinRequestPayload
	if err := jr.UnmarshalBinary(body); err != nil {
		return nil, engine.NewError(engine.ErrParse, err)
	}

	device, err := e.reg.GetDevice(ctx, jr.DevEUI)
	if err != nil {
		if err == registry.ErrNotFound {
			return nil, engine.NewError(engine.ErrUnknownDevEUI, err)
		}
		return nil, err
	}
	if !device.CanJoin {
		log.Debug().Stringer("dev_eui", jr.DevEUI).Msg("join request from device with joining disabled")
		return nil, nil
	}

	computedMIC, err := lorawan.JoinRequestMIC(device.AppKey, mhdr, body)
	if err != nil {
		return nil, err
	}
	if computedMIC != wireMIC {
		return nil, engine.NewError(engine.ErrBadMIC, nil)
	}

	appNonce, err := randomAppNonce()
	if err != nil {
		return nil, fmt.Errorf("generate app nonce: %w", err)
	}

	nwkSKey, appSKey, err := lorawan.DeriveSessionKeys(device.AppKey, appNonce, e.cfg.NetID, jr.DevNonce)
	if err != nil {
		return nil, err
	}

	devAddr, err := e.commitSession(ctx, device, nwkSKey, appSKey, receivedAt)
	if err != nil {
		return nil, err
	}

	if err := e.handler.HandleJoin(ctx, devAddr, device.App, device.AppID); err != nil {
		log.Warn().Err(err).Stringer("dev_addr", devAddr).Msg("application handler rejected join notification")
		return nil, err
	}

	phy, err := buildJoinAccept(device.AppKey, appNonce, e.cfg, devAddr)
	if err != nil {
		return nil, err
	}

	return &engine.Outcome{
		Send:       true,
		Time:       receivedAt.Add(time.Duration(e.cfg.RxDelay) * time.Second),
		RF:         rf,
		PHYPayload: phy,
	}, nil
}

// commitSession allocates (or reuses) the device's DevAddr, writes the
// Device and a fresh Link, and drops any stale PendingDownlink, all
// inside one transaction so a concurrent rejoin can never observe a
// half-written session.
func (e *Engine) commitSession(ctx context.Context, device *registry.Device, nwkSKey, appSKey lorawan.AES128Key, joinedAt time.Time) (lorawan.DevAddr, error) {
	tx, err := e.reg.BeginTx(ctx)
	if err != nil {
		return lorawan.DevAddr{}, err
	}
	defer tx.Rollback()

	devAddr, err := e.allocateDevAddr(ctx, tx, device)
	if err != nil {
		return lorawan.DevAddr{}, err
	}

	device.Link = &devAddr
	device.LastJoinAt = joinedAt
	if err := tx.PutDevice(ctx, device); err != nil {
		return lorawan.DevAddr{}, err
	}

	link := &registry.Link{
		DevAddr: devAddr,
		NwkSKey: nwkSKey,
		AppSKey: appSKey,
		ADR:     registry.DefaultADRSettings,
		App:     device.App,
		AppID:   device.AppID,
		LastRxAt: joinedAt,
	}
	if err := tx.PutLink(ctx, link); err != nil {
		return lorawan.DevAddr{}, err
	}

	if err := tx.DeletePendingDownlink(ctx, devAddr); err != nil {
		return lorawan.DevAddr{}, err
	}

	if err := tx.Commit(); err != nil {
		return lorawan.DevAddr{}, err
	}
	return devAddr, nil
}

// allocateDevAddr reuses the device's existing DevAddr on a rejoin, or
// draws a fresh one — NwkID from the operator's NetID in the top 7
// bits, the remaining 25 bits random — retrying on collision up to
// MaxDevAddrAttempts times before giving up.
func (e *Engine) allocateDevAddr(ctx context.Context, tx registry.Tx, device *registry.Device) (lorawan.DevAddr, error) {
	if device.Link != nil {
		return *device.Link, nil
	}

	nwkID := networkID(e.cfg.NetID)

	for attempt := 0; attempt < e.cfg.MaxDevAddrAttempts; attempt++ {
		raw, err := crypto.GenerateRandomBytes(4)
		if err != nil {
			return lorawan.DevAddr{}, err
		}
		var candidate lorawan.DevAddr
		copy(candidate[:], raw)
		candidate[0] = (nwkID << 1) | (candidate[0] & 0x01)

		inUse, err := tx.DevAddrInUse(ctx, candidate)
		if err != nil {
			return lorawan.DevAddr{}, err
		}
		if !inUse {
			return candidate, nil
		}
	}

	return lorawan.DevAddr{}, engine.NewError(engine.ErrDevAddrAllocationFailed,
		fmt.Errorf("no free DevAddr after %d attempts", e.cfg.MaxDevAddrAttempts))
}

// networkID extracts the 7-bit NwkID from the top of the 24-bit NetID
// (bits 17..23).
func networkID(netID [3]byte) byte {
	v := uint32(netID[0])<<16 | uint32(netID[1])<<8 | uint32(netID[2])
	return byte((v >> 17) & 0x7F)
}

func randomAppNonce() ([3]byte, error) {
	var nonce [3]byte
	raw, err := crypto.GenerateRandomBytes(3)
	if err != nil {
		return nonce, err
	}
	copy(nonce[:], raw)
	return nonce, nil
}

func buildJoinAccept(appKey lorawan.AES128Key, appNonce [3]byte, cfg Config, devAddr lorawan.DevAddr) ([]byte, error) {
	accept := lorawan.JoinAcceptPayload{
		AppNonce:   appNonce,
		NetID:      cfg.NetID,
		DevAddr:    devAddr,
		DLSettings: lorawan.DLSettings{RX2DataRate: cfg.RX2DataRate},
		RxDelay:    1,
	}
	body := accept.MarshalBinary()
	mhdr := lorawan.MHDR{MType: lorawan.JoinAccept, Major: lorawan.LoRaWAN1_0}.Byte()

	mic, err := lorawan.JoinAcceptMIC(appKey, mhdr, body)
	if err != nil {
		return nil, err
	}

	encrypted, err := lorawan.EncryptJoinAccept(appKey, body, mic)
	if err != nil {
		return nil, err
	}

	phy := make([]byte, 0, 1+len(encrypted))
	phy = append(phy, mhdr)
	phy = append(phy, encrypted...)
	return phy, nil
}
