// Package mac implements the MAC-command handler: decoding FOpts,
// updating ADR bookkeeping on a Link, and re-encoding any outbound
// commands.
package mac

import (
	"github.com/rs/zerolog/log"

	"github.com/lorawan-net/mac-server/internal/registry"
	"github.com/lorawan-net/mac-server/pkg/lorawan"
)

// ADRConfig bounds the margin-based ADR algorithm.
type ADRConfig struct {
	MinDataRate uint8
	MaxDataRate uint8
	MinTxPower  uint8
	MaxTxPower  uint8
	TargetSNR   float64
	MarginSNR   float64
	HistorySize int
}

// DefaultADRConfig is the set of thresholds used when no operator
// override is configured.
var DefaultADRConfig = ADRConfig{
	MinDataRate: 0,
	MaxDataRate: 6,
	MinTxPower:  0,
	MaxTxPower:  5,
	TargetSNR:   -20,
	MarginSNR:   2.5,
	HistorySize: 3,
}

// Handler implements the (Link, FOpts_in) → (Link', FOpts_out)
// MAC-command dispatch, plus a concrete reference ADR algorithm.
type Handler struct {
	cfg ADRConfig
}

// NewHandler builds a Handler with the given ADR thresholds.
func NewHandler(cfg ADRConfig) *Handler {
	return &Handler{cfg: cfg}
}

// Handle decodes foptsIn into MAC commands, applies each to link,
// appends an ADR request if the reference algorithm decides one is
// due, and re-encodes the responses into FOpts_out.
func (h *Handler) Handle(link *registry.Link, foptsIn []byte) (foptsOut []byte, err error) {
	var commands []lorawan.MACCommand
	if len(foptsIn) > 0 {
		commands, err = lorawan.ParseMACCommands(true, foptsIn)
		if err != nil {
			return nil, err
		}
	}

	var responses []lorawan.MACCommand
	for _, cmd := range commands {
		switch cmd.CID {
		case lorawan.LinkCheckReq:
			responses = append(responses, h.handleLinkCheckReq(link))
		case lorawan.LinkADRAns:
			h.handleLinkADRAns(link, cmd.Payload)
		case lorawan.DevStatusAns:
			h.handleDevStatusAns(link, cmd.Payload)
		case lorawan.RXParamSetupAns:
			// acknowledged; no Link state tracked for RX2 overrides yet.
		case lorawan.NewChannelAns:
			// acknowledged; channel plan is fixed in this core.
		default:
			log.Debug().Uint8("cid", cmd.CID).Msg("unhandled MAC command CID")
		}
	}

	if link.ADRInUse && h.shouldRequestADR(link) {
		if req := h.createADRReq(link); req != nil {
			responses = append(responses, *req)
		}
	}

	if len(responses) == 0 {
		return nil, nil
	}
	return lorawan.EncodeMACCommands(responses), nil
}

func (h *Handler) handleLinkCheckReq(link *registry.Link) lorawan.MACCommand {
	margin := uint8(10)
	gwCount := uint8(1)
	if len(link.ADRHistory) > 0 {
		last := link.ADRHistory[len(link.ADRHistory)-1]
		margin = uint8(last.MaxSNR - h.cfg.TargetSNR)
		gwCount = uint8(last.GatewayCount)
	}
	return lorawan.MACCommand{CID: lorawan.LinkCheckAns, Payload: []byte{margin, gwCount}}
}

func (h *Handler) handleLinkADRAns(link *registry.Link, payload []byte) {
	if len(payload) != 1 {
		return
	}
	status := payload[0]
	powerACK := status&0x04 != 0
	dataRateACK := status&0x02 != 0
	channelMaskACK := status&0x01 != 0
	if !powerACK || !dataRateACK || !channelMaskACK {
		link.ADRInUse = false
	}
}

func (h *Handler) handleDevStatusAns(link *registry.Link, payload []byte) {
	if len(payload) != 2 {
		return
	}
	link.LastDevStatus.Battery = payload[0]
	link.LastDevStatus.Margin = int8(payload[1])
}

// shouldRequestADR reports whether the ADR history ring holds at least
// HistorySize samples, the point from which an ADR request is built.
func (h *Handler) shouldRequestADR(link *registry.Link) bool {
	return len(link.ADRHistory) >= h.cfg.HistorySize
}

// createADRReq runs the margin-based ADR algorithm: average the
// recent SNR samples, compare to the target plus margin, and step the
// data-rate index accordingly; the power index is left unchanged.
func (h *Handler) createADRReq(link *registry.Link) *lorawan.MACCommand {
	history := link.ADRHistory
	if len(history) < h.cfg.HistorySize {
		return nil
	}

	var sumSNR float64
	minGateways := history[0].GatewayCount
	for _, s := range history {
		sumSNR += s.MaxSNR
		if s.GatewayCount < minGateways {
			minGateways = s.GatewayCount
		}
	}
	avgSNR := sumSNR / float64(len(history))
	margin := avgSNR - h.cfg.TargetSNR - h.cfg.MarginSNR

	newDR := link.ADR.DataRateIndex
	newPower := link.ADR.PowerIndex
	switch {
	case margin > 3 && newDR < h.cfg.MaxDataRate:
		newDR++
	case margin < -3 && newDR > h.cfg.MinDataRate:
		newDR--
	}

	if newDR == link.ADR.DataRateIndex && newPower == link.ADR.PowerIndex {
		return nil
	}

	link.ADR.DataRateIndex = newDR
	link.ADR.PowerIndex = newPower

	payload := []byte{
		(newDR << 4) | (newPower & 0x0F),
		byte(link.ADR.ChannelMask),
		byte(link.ADR.ChannelMask >> 8),
		1, // NbTrans
	}
	return &lorawan.MACCommand{CID: lorawan.LinkADRReq, Payload: payload}
}
