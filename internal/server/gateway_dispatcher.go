// Package server wires the gateway-side NATS subjects into the
// protocol core and republishes accepted outcomes as downlinks.
package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-net/mac-server/internal/engine"
	"github.com/lorawan-net/mac-server/internal/frame"
	"github.com/lorawan-net/mac-server/internal/gateway"
	"github.com/lorawan-net/mac-server/pkg/lorawan"
)

// GatewayDispatcher bridges the NATS-side gateway.*.rx/stat subjects
// the UDP packet-forwarder publishes to into FrameProcessor calls, and
// turns accepted Outcomes back into gateway.*.tx downlink messages.
type GatewayDispatcher struct {
	nc       *nats.Conn
	proc     *frame.Processor
	rxDelay2 time.Duration
	subs     []*nats.Subscription
}

// NewGatewayDispatcher wires a dispatcher. The gateway-clock deadline
// sent to the concentrator is the uplink's tmst plus the offset of
// Outcome.Time from the frame's receive time, so it lines up with
// Outcome.Time; rxDelay2 is stored but not used for that deadline.
func NewGatewayDispatcher(nc *nats.Conn, proc *frame.Processor, rxDelay2 time.Duration) *GatewayDispatcher {
	return &GatewayDispatcher{nc: nc, proc: proc, rxDelay2: rxDelay2}
}

// Start subscribes to the gateway uplink/status subjects until ctx is
// cancelled.
func (d *GatewayDispatcher) Start(ctx context.Context) error {
	sub1, err := d.nc.Subscribe("gateway.*.rx", d.handleUplink)
	if err != nil {
		return fmt.Errorf("subscribe gateway uplink: %w", err)
	}
	d.subs = append(d.subs, sub1)

	sub2, err := d.nc.Subscribe("gateway.*.stat", d.handleStatus)
	if err != nil {
		return fmt.Errorf("subscribe gateway status: %w", err)
	}
	d.subs = append(d.subs, sub2)

	log.Info().Int("subscriptions", len(d.subs)).Msg("gateway dispatcher started")

	<-ctx.Done()
	for _, sub := range d.subs {
		sub.Unsubscribe()
	}
	return ctx.Err()
}

func (d *GatewayDispatcher) handleUplink(msg *nats.Msg) {
	var up gateway.UplinkMessage
	if err := json.Unmarshal(msg.Data, &up); err != nil {
		log.Error().Err(err).Msg("decode gateway uplink message")
		return
	}

	gwMAC, err := parseGatewayID(up.GatewayID)
	if err != nil {
		log.Error().Err(err).Str("gateway", up.GatewayID).Msg("invalid gateway id")
		return
	}

	phy, err := gateway.DecodePHY(up.Data)
	if err != nil {
		log.Error().Err(err).Str("gateway", up.GatewayID).Msg("decode phy payload")
		return
	}

	rxq := engine.RxQuality{Tmst: uint64(up.Tmst), RSSI: up.RSSI, LoRaSNR: up.LoRaSNR}
	rf := engine.RFParams{FrequencyMHz: up.Freq, CodingRate: up.CodingRate, DataRate: dataRateIndexFromString(up.DataRate)}

	ctx := context.Background()
	receivedAt := time.Now()
	outcome, err := d.proc.ProcessFrame(ctx, gwMAC, receivedAt, rxq, rf, phy)
	if err != nil {
		log.Debug().Err(err).Str("gateway", up.GatewayID).Msg("frame rejected")
		return
	}
	if outcome == nil || !outcome.Send {
		return
	}

	d.publishDownlink(up.GatewayID, up.Tmst+uint32(outcome.Time.Sub(receivedAt).Microseconds()), outcome)
}

func (d *GatewayDispatcher) publishDownlink(gatewayID string, deadline uint32, outcome *engine.Outcome) {
	dr, ok := lorawan.DataRateByIndex(outcome.RF.DataRate)
	if !ok {
		log.Error().Uint8("dr", outcome.RF.DataRate).Msg("unknown downlink data rate index")
		return
	}

	dl := gateway.DownlinkMessage{
		GatewayID:  gatewayID,
		Immediate:  false,
		Tmst:       deadline,
		Freq:       outcome.RF.FrequencyMHz,
		DataRate:   dr.String(),
		CodingRate: outcome.RF.CodingRate,
		Data:       gateway.EncodePHY(outcome.PHYPayload),
		Size:       len(outcome.PHYPayload),
	}
	data, err := json.Marshal(dl)
	if err != nil {
		log.Error().Err(err).Msg("encode downlink message")
		return
	}
	if err := d.nc.Publish(fmt.Sprintf("gateway.%s.tx", gatewayID), data); err != nil {
		log.Error().Err(err).Str("gateway", gatewayID).Msg("publish downlink")
	}
}

func (d *GatewayDispatcher) handleStatus(msg *nats.Msg) {
	var st gateway.StatusMessage
	if err := json.Unmarshal(msg.Data, &st); err != nil {
		log.Error().Err(err).Msg("decode gateway status message")
		return
	}

	gwMAC, err := parseGatewayID(st.GatewayID)
	if err != nil {
		log.Error().Err(err).Str("gateway", st.GatewayID).Msg("invalid gateway id")
		return
	}

	var fields struct {
		RXNb int `json:"rxnb"`
		RXOK int `json:"rxok"`
		TXNb int `json:"txnb"`
	}
	if err := json.Unmarshal(st.Stat, &fields); err != nil {
		log.Error().Err(err).Str("gateway", st.GatewayID).Msg("decode stat fields")
		return
	}

	if err := d.proc.ProcessStatus(context.Background(), gwMAC, time.Now(), frame.GatewayStatus{
		RXPacketsReceived: fields.RXNb,
		RXPacketsValid:    fields.RXOK,
		TXPacketsEmitted:  fields.TXNb,
	}); err != nil {
		log.Warn().Err(err).Str("gateway", st.GatewayID).Msg("process gateway status")
	}
}

func parseGatewayID(id string) (lorawan.EUI64, error) {
	var mac lorawan.EUI64
	raw, err := hex.DecodeString(id)
	if err != nil || len(raw) != 8 {
		return mac, fmt.Errorf("malformed gateway id %q", id)
	}
	copy(mac[:], raw)
	return mac, nil
}

func dataRateIndexFromString(datr string) uint8 {
	for idx, dr := range lorawan.DataRates {
		if dr.String() == datr {
			return uint8(idx)
		}
	}
	return 0
}
