// Package gateway implements the Semtech UDP packet-forwarder side of
// the gateway bridge: it terminates PUSH_DATA/PULL_DATA from radio
// concentrators and relays rx packets and stats onto NATS, then turns
// scheduled downlinks arriving back over NATS into PULL_RESP packets.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Semtech UDP protocol constants.
const (
	ProtocolVersion = 2

	PushData = 0x00
	PushAck  = 0x01
	PullData = 0x02
	PullResp = 0x03
	PullAck  = 0x04
	TxAck    = 0x05
)

// UplinkMessage is what the bridge publishes to gateway.<id>.rx for
// every rxpk entry in a PUSH_DATA frame.
type UplinkMessage struct {
	GatewayID  string  `json:"gatewayID"`
	Tmst       uint32  `json:"tmst"`
	Freq       float64 `json:"freq"`
	DataRate   string  `json:"datr"`
	CodingRate string  `json:"codr"`
	RSSI       int     `json:"rssi"`
	LoRaSNR    float64 `json:"lsnr"`
	Data       string  `json:"data"` // base64 PHY payload
}

// StatusMessage is what the bridge publishes to gateway.<id>.stat for
// a PUSH_DATA frame's "stat" object.
type StatusMessage struct {
	GatewayID string          `json:"gatewayID"`
	Stat      json.RawMessage `json:"stat"`
}

// DownlinkMessage is what the bridge expects on gateway.<id>.tx: a
// scheduled PHY payload plus the RF parameters and deadline the
// DownlinkPlanner computed.
type DownlinkMessage struct {
	GatewayID  string  `json:"gatewayID"`
	Immediate  bool    `json:"immediate"`
	Tmst       uint32  `json:"tmst"` // gateway-clock deadline, valid when !Immediate
	Freq       float64 `json:"freq"`
	DataRate   string  `json:"datr"`
	CodingRate string  `json:"codr"`
	Power      int     `json:"powe"`
	Data       string  `json:"data"` // base64 PHY payload
	Size       int     `json:"size"`
}

type gatewayState struct {
	pullAddr  *net.UDPAddr
	pullToken [2]byte
	lastSeen  time.Time
}

// Bridge terminates the Semtech UDP protocol and relays uplinks/stats
// to NATS, turning NATS-published downlinks back into PULL_RESP
// packets on the gateway's registered PULL address.
type Bridge struct {
	conn *net.UDPConn
	nc   *nats.Conn

	pullAddrTTL time.Duration

	mu       sync.RWMutex
	gateways map[string]*gatewayState
}

// NewBridge binds a UDP listener on bindAddr and wires it to nc.
func NewBridge(bindAddr string, nc *nats.Conn, pullAddrTTL time.Duration) (*Bridge, error) {
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve udp bind address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	if pullAddrTTL == 0 {
		pullAddrTTL = 5 * time.Minute
	}
	return &Bridge{
		conn:        conn,
		nc:          nc,
		pullAddrTTL: pullAddrTTL,
		gateways:    make(map[string]*gatewayState),
	}, nil
}

// Start runs the UDP receive loop, the downlink subscriber, and the
// stale-gateway sweeper until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	log.Info().Str("addr", b.conn.LocalAddr().String()).Msg("gateway bridge listening")

	go b.relayDownlinks(ctx)
	go b.sweepStaleGateways(ctx)

	buf := make([]byte, 65507)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		b.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			log.Error().Err(err).Msg("udp read error")
			continue
		}

		packet := make([]byte, n)
		copy(packet, buf[:n])
		go b.handlePacket(packet, addr)
	}
}

func (b *Bridge) handlePacket(data []byte, addr *net.UDPAddr) {
	if len(data) < 4 {
		return
	}
	if data[0] != ProtocolVersion {
		log.Warn().Uint8("version", data[0]).Str("addr", addr.String()).Msg("unsupported packet-forwarder protocol version")
		return
	}
	token := binary.BigEndian.Uint16(data[1:3])

	switch data[3] {
	case PushData:
		b.handlePushData(data, addr, token)
	case PullData:
		b.handlePullData(data, addr, token)
	case TxAck:
		b.handleTxAck(data)
	default:
		log.Warn().Uint8("type", data[3]).Str("addr", addr.String()).Msg("unknown packet-forwarder message type")
	}
}

func gatewayIDFromMAC(data []byte) (string, error) {
	if len(data) < 12 {
		return "", fmt.Errorf("short packet: missing gateway MAC")
	}
	return fmt.Sprintf("%016x", data[4:12]), nil
}

func (b *Bridge) handlePushData(data []byte, addr *net.UDPAddr, token uint16) {
	gatewayID, err := gatewayIDFromMAC(data)
	if err != nil {
		return
	}

	b.ack(addr, token, PushAck)
	b.touchGateway(gatewayID, func(gw *gatewayState) { gw.lastSeen = time.Now() })

	if len(data) <= 12 {
		return
	}
	var payload struct {
		RXPK []json.RawMessage      `json:"rxpk"`
		Stat map[string]interface{} `json:"stat"`
	}
	if err := json.Unmarshal(data[12:], &payload); err != nil {
		log.Error().Err(err).Str("gateway", gatewayID).Msg("decode PUSH_DATA json")
		return
	}

	for _, rxpk := range payload.RXPK {
		b.publishUplink(gatewayID, rxpk)
	}
	if payload.Stat != nil {
		b.publishStatus(gatewayID, data[12:])
	}
}

func (b *Bridge) publishUplink(gatewayID string, rxpk json.RawMessage) {
	var fields struct {
		Tmst uint32  `json:"tmst"`
		Freq float64 `json:"freq"`
		Datr string  `json:"datr"`
		Codr string  `json:"codr"`
		RSSI int     `json:"rssi"`
		LSNR float64 `json:"lsnr"`
		Data string  `json:"data"`
	}
	if err := json.Unmarshal(rxpk, &fields); err != nil {
		log.Error().Err(err).Str("gateway", gatewayID).Msg("decode rxpk")
		return
	}

	msg := UplinkMessage{
		GatewayID:  gatewayID,
		Tmst:       fields.Tmst,
		Freq:       fields.Freq,
		DataRate:   fields.Datr,
		CodingRate: fields.Codr,
		RSSI:       fields.RSSI,
		LoRaSNR:    fields.LSNR,
		Data:       fields.Data,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("encode uplink message")
		return
	}
	if err := b.nc.Publish(uplinkSubject(gatewayID), data); err != nil {
		log.Error().Err(err).Str("gateway", gatewayID).Msg("publish uplink to nats")
	}
}

func (b *Bridge) publishStatus(gatewayID string, statJSON json.RawMessage) {
	msg := StatusMessage{GatewayID: gatewayID, Stat: statJSON}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := b.nc.Publish(statusSubject(gatewayID), data); err != nil {
		log.Error().Err(err).Str("gateway", gatewayID).Msg("publish status to nats")
	}
}

func (b *Bridge) handlePullData(data []byte, addr *net.UDPAddr, token uint16) {
	gatewayID, err := gatewayIDFromMAC(data)
	if err != nil {
		return
	}

	b.touchGateway(gatewayID, func(gw *gatewayState) {
		gw.pullAddr = addr
		gw.pullToken = [2]byte{data[1], data[2]}
		gw.lastSeen = time.Now()
	})

	b.ack(addr, token, PullAck)
	log.Debug().Str("gateway", gatewayID).Str("addr", addr.String()).Msg("gateway registered for downlink")
}

func (b *Bridge) handleTxAck(data []byte) {
	gatewayID, err := gatewayIDFromMAC(data)
	if err != nil {
		return
	}
	log.Debug().Str("gateway", gatewayID).Msg("received TX_ACK")
}

func (b *Bridge) ack(addr *net.UDPAddr, token uint16, identifier byte) {
	resp := make([]byte, 4)
	resp[0] = ProtocolVersion
	binary.BigEndian.PutUint16(resp[1:3], token)
	resp[3] = identifier
	if _, err := b.conn.WriteToUDP(resp, addr); err != nil {
		log.Warn().Err(err).Msg("failed to send packet-forwarder ack")
	}
}

func (b *Bridge) touchGateway(gatewayID string, mutate func(*gatewayState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	gw, ok := b.gateways[gatewayID]
	if !ok {
		gw = &gatewayState{}
		b.gateways[gatewayID] = gw
	}
	mutate(gw)
}

// relayDownlinks subscribes to gateway.*.tx and turns each message
// into a PULL_RESP sent to that gateway's last-known PULL address.
func (b *Bridge) relayDownlinks(ctx context.Context) {
	sub, err := b.nc.Subscribe("gateway.*.tx", func(m *nats.Msg) {
		var dl DownlinkMessage
		if err := json.Unmarshal(m.Data, &dl); err != nil {
			log.Error().Err(err).Msg("decode downlink message")
			return
		}
		b.sendDownlink(dl)
	})
	if err != nil {
		log.Error().Err(err).Msg("subscribe to downlink subject")
		return
	}
	<-ctx.Done()
	sub.Unsubscribe()
}

func (b *Bridge) sendDownlink(dl DownlinkMessage) {
	b.mu.RLock()
	gw, ok := b.gateways[dl.GatewayID]
	b.mu.RUnlock()
	if !ok || gw.pullAddr == nil {
		log.Warn().Str("gateway", dl.GatewayID).Msg("no known PULL address for downlink, dropping")
		return
	}

	txpk := map[string]interface{}{
		"imme": dl.Immediate,
		"freq": dl.Freq,
		"rfch": 0,
		"powe": dl.Power,
		"modu": "LORA",
		"datr": dl.DataRate,
		"codr": dl.CodingRate,
		"ipol": true,
		"size": dl.Size,
		"data": dl.Data,
	}
	if !dl.Immediate {
		txpk["tmst"] = dl.Tmst
	}
	body, err := json.Marshal(map[string]interface{}{"txpk": txpk})
	if err != nil {
		log.Error().Err(err).Msg("encode txpk")
		return
	}

	resp := make([]byte, 0, 4+len(body))
	resp = append(resp, ProtocolVersion, gw.pullToken[0], gw.pullToken[1], PullResp)
	resp = append(resp, body...)

	if _, err := b.conn.WriteToUDP(resp, gw.pullAddr); err != nil {
		log.Error().Err(err).Str("gateway", dl.GatewayID).Msg("send PULL_RESP")
		return
	}
	log.Info().Str("gateway", dl.GatewayID).Bool("immediate", dl.Immediate).Msg("PULL_RESP sent")
}

func (b *Bridge) sweepStaleGateways(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			now := time.Now()
			for id, gw := range b.gateways {
				if now.Sub(gw.lastSeen) > b.pullAddrTTL {
					delete(b.gateways, id)
					log.Info().Str("gateway", id).Msg("gateway idle, dropped from cache")
				}
			}
			b.mu.Unlock()
		}
	}
}

func uplinkSubject(gatewayID string) string { return fmt.Sprintf("gateway.%s.rx", gatewayID) }
func statusSubject(gatewayID string) string { return fmt.Sprintf("gateway.%s.stat", gatewayID) }

// DecodePHY base64-decodes an rxpk/txpk "data" field.
func DecodePHY(b64 string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(b64)
}

// EncodePHY base64-encodes a PHY payload for a txpk "data" field.
func EncodePHY(phy []byte) string {
	return base64.StdEncoding.EncodeToString(phy)
}
