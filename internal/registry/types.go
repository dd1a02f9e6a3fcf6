// Package registry defines the abstract data model and storage
// interfaces for gateways, devices, links, pending downlinks, ignored
// links, and the rx-frame log, per the two-tier (quick access /
// transactional) access contract the protocol engine depends on.
package registry

import (
	"time"

	"github.com/lorawan-net/mac-server/pkg/lorawan"
)

// ADRSettings holds the transmit power index, data-rate index, and
// channel mask a Link or Device is configured to use.
type ADRSettings struct {
	PowerIndex    uint8
	DataRateIndex uint8
	ChannelMask   uint16
}

// DefaultADRSettings is the ADR state a fresh join assigns: power
// index 1, DR0, channel mask 7.
var DefaultADRSettings = ADRSettings{PowerIndex: 1, DataRateIndex: 0, ChannelMask: 7}

// GatewayStats holds a gateway's packet counters. ProcessStatus overwrites
// them with the gateway-reported values; ProcessFrame increments the RX
// counters for each frame the gateway forwards.
type GatewayStats struct {
	RXPacketsReceived int
	RXPacketsValid    int
	TXPacketsEmitted  int
}

// Gateway is a radio concentrator identified by its MAC EUI.
type Gateway struct {
	MAC         lorawan.EUI64
	NetID       [3]byte
	HasPosition bool
	Latitude    float64
	Longitude   float64
	Altitude    float64
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	Stats       GatewayStats
}

// Device is the pre-activation record keyed by DevEUI.
type Device struct {
	DevEUI     lorawan.EUI64
	AppEUI     lorawan.EUI64
	AppKey     lorawan.AES128Key
	CanJoin    bool
	App        string
	AppID      string
	DesiredADR ADRSettings
	// Link is the DevAddr most recently assigned to this device, nil
	// before the first successful join.
	Link       *lorawan.DevAddr
	LastJoinAt time.Time
}

// ADRSample is one uplink's worth of signal-quality evidence feeding
// the ADR algorithm.
type ADRSample struct {
	FCnt         uint32
	MaxSNR       float64
	GatewayCount int
}

// maxADRHistory bounds the ADR sample ring kept per Link.
const maxADRHistory = 20

// DevStatus is the device's last-reported battery/margin reading.
type DevStatus struct {
	Battery   uint8
	Margin    int8
	UpdatedAt time.Time
}

// Link is the post-activation session keyed by DevAddr.
type Link struct {
	DevAddr       lorawan.DevAddr
	NwkSKey       lorawan.AES128Key
	AppSKey       lorawan.AES128Key
	FCntUp        uint32
	FCntDown      uint32
	ADR           ADRSettings
	ADRInUse      bool
	ADRHistory    []ADRSample
	LastDevStatus DevStatus
	LastRxAt      time.Time
	App           string
	AppID         string
}

// PushADRSample appends a sample to the history ring, dropping the
// oldest entry once the ring is full.
func (l *Link) PushADRSample(s ADRSample) {
	l.ADRHistory = append(l.ADRHistory, s)
	if len(l.ADRHistory) > maxADRHistory {
		l.ADRHistory = l.ADRHistory[len(l.ADRHistory)-maxADRHistory:]
	}
}

// PendingDownlink is the last confirmed PHY payload sent to a DevAddr,
// retained for retransmission until ACKed or superseded by a new join.
type PendingDownlink struct {
	DevAddr    lorawan.DevAddr
	PHYPayload []byte
	Confirmed  bool
	CreatedAt  time.Time
}

// IgnoredLink silently drops uplinks whose DevAddr matches
// (addr & Mask) == Base.
type IgnoredLink struct {
	Base lorawan.DevAddr
	Mask lorawan.DevAddr
}

// Matches reports whether addr falls inside this ignore rule.
func (i IgnoredLink) Matches(addr lorawan.DevAddr) bool {
	for n := 0; n < 4; n++ {
		if addr[n]&i.Mask[n] != i.Base[n]&i.Mask[n] {
			return false
		}
	}
	return true
}

// RxFrame is an append-only log entry emitted for every authenticated
// uplink.
type RxFrame struct {
	ID         uint64
	GatewayMAC lorawan.EUI64
	RSSI       int
	SNR        float64
	Frequency  float64
	DataRate   int
	CodingRate string
	DevAddr    lorawan.DevAddr
	FCntUp     uint32
	DevStatus  *DevStatus
	ReceivedAt time.Time
}
