// Package lorawan implements the LoRaWAN 1.0.1 Class-A PHY/MAC wire codec:
// frame layout, field reversal, MAC-command (de)coding and the regional
// data-rate table. Cryptographic primitives live in pkg/crypto; this package
// calls into them to compute and verify MICs and to (de)cipher FRMPayload.
package lorawan

import (
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// EUI64 is an 8-byte identifier (DevEUI or AppEUI), stored in canonical
// (most-significant-byte-first) order.
type EUI64 [8]byte

func (e EUI64) String() string { return hex.EncodeToString(e[:]) }

func (e EUI64) MarshalJSON() ([]byte, error) { return json.Marshal(e.String()) }

func (e *EUI64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("decode EUI64: %w", err)
	}
	if len(b) != 8 {
		return fmt.Errorf("invalid EUI64 length: %d", len(b))
	}
	copy(e[:], b)
	return nil
}

// Value implements driver.Valuer so EUI64 can be bound directly as a
// Postgres bytea column.
func (e EUI64) Value() (driver.Value, error) { return e[:], nil }

// Scan implements sql.Scanner.
func (e *EUI64) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("scan EUI64: unsupported type %T", src)
	}
	if len(b) != 8 {
		return fmt.Errorf("scan EUI64: expected 8 bytes, got %d", len(b))
	}
	copy(e[:], b)
	return nil
}

// DevAddr is a 4-byte per-session network address, stored in canonical
// (most-significant-byte-first) order.
type DevAddr [4]byte

func (d DevAddr) String() string { return hex.EncodeToString(d[:]) }

func (d DevAddr) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *DevAddr) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("decode DevAddr: %w", err)
	}
	if len(b) != 4 {
		return fmt.Errorf("invalid DevAddr length: %d", len(b))
	}
	copy(d[:], b)
	return nil
}

func (d DevAddr) Value() (driver.Value, error) { return d[:], nil }

func (d *DevAddr) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("scan DevAddr: unsupported type %T", src)
	}
	if len(b) != 4 {
		return fmt.Errorf("scan DevAddr: expected 4 bytes, got %d", len(b))
	}
	copy(d[:], b)
	return nil
}

// Uint32 treats the DevAddr as a big-endian unsigned integer.
func (d DevAddr) Uint32() uint32 {
	return uint32(d[0])<<24 | uint32(d[1])<<16 | uint32(d[2])<<8 | uint32(d[3])
}

// AES128Key is a 128-bit AES key (AppKey, NwkSKey or AppSKey).
type AES128Key [16]byte

func (k AES128Key) String() string { return hex.EncodeToString(k[:]) }

func (k AES128Key) MarshalJSON() ([]byte, error) { return json.Marshal(k.String()) }

func (k *AES128Key) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("decode AES128Key: %w", err)
	}
	if len(b) != 16 {
		return fmt.Errorf("invalid AES128Key length: %d", len(b))
	}
	copy(k[:], b)
	return nil
}

func (k AES128Key) Value() (driver.Value, error) { return k[:], nil }

func (k *AES128Key) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("scan AES128Key: unsupported type %T", src)
	}
	if len(b) != 16 {
		return fmt.Errorf("scan AES128Key: expected 16 bytes, got %d", len(b))
	}
	copy(k[:], b)
	return nil
}

// MType is the 3-bit PHY message type.
type MType byte

const (
	JoinRequest MType = iota
	JoinAccept
	UnconfirmedDataUp
	UnconfirmedDataDown
	ConfirmedDataUp
	ConfirmedDataDown
	RFU
	Proprietary
)

func (t MType) String() string {
	switch t {
	case JoinRequest:
		return "JoinRequest"
	case JoinAccept:
		return "JoinAccept"
	case UnconfirmedDataUp:
		return "UnconfirmedDataUp"
	case UnconfirmedDataDown:
		return "UnconfirmedDataDown"
	case ConfirmedDataUp:
		return "ConfirmedDataUp"
	case ConfirmedDataDown:
		return "ConfirmedDataDown"
	case Proprietary:
		return "Proprietary"
	default:
		return "RFU"
	}
}

// IsUplink reports whether the message type is sent by the device.
func (t MType) IsUplink() bool {
	return t == JoinRequest || t == UnconfirmedDataUp || t == ConfirmedDataUp
}

// Major is the LoRaWAN major version carried in MHDR's two low bits.
type Major byte

const (
	LoRaWAN1_0 Major = 0
	LoRaWAN1_1 Major = 1
)

// MHDR is the one-byte MAC header: top 3 bits MType, bottom 2 bits Major,
// the 3 bits between them reserved and always zero on encode.
type MHDR struct {
	MType MType
	Major Major
}

func (h MHDR) Byte() byte {
	return byte(h.MType)<<5 | byte(h.Major)&0x03
}

func ParseMHDR(b byte) MHDR {
	return MHDR{
		MType: MType((b >> 5) & 0x07),
		Major: Major(b & 0x03),
	}
}

// PHYPayload is MHDR ‖ MACPayload ‖ MIC.
type PHYPayload struct {
	MHDR       MHDR
	MACPayload []byte
	MIC        [4]byte
}

// FCtrl is the frame-control byte. Its bit layout differs by direction:
// uplink carries ADRACKReq/ACK/ClassB, downlink carries ACK/FPending.
type FCtrl struct {
	ADR       bool
	ADRACKReq bool
	ACK       bool
	ClassB    bool
	FPending  bool
	FOptsLen  uint8
}

// FHDR is the frame header: DevAddr ‖ FCtrl ‖ FCnt ‖ FOpts.
type FHDR struct {
	DevAddr DevAddr
	FCtrl   FCtrl
	FCnt    uint16
	FOpts   []byte
}

// MACPayload is FHDR ‖ [FPort ‖ FRMPayload].
type MACPayload struct {
	FHDR       FHDR
	FPort      *uint8
	FRMPayload []byte
}

// JoinRequestPayload is AppEUI ‖ DevEUI ‖ DevNonce, all little-endian on
// the wire, stored here in canonical order.
type JoinRequestPayload struct {
	AppEUI   EUI64
	DevEUI   EUI64
	DevNonce [2]byte
}

// DLSettings is the Join-Accept's one settings byte: RFU(1) ‖
// RX1DROffset(3) ‖ RX2DataRate(4).
type DLSettings struct {
	RX1DROffset uint8
	RX2DataRate uint8
}

// JoinAcceptPayload is AppNonce ‖ NetID ‖ DevAddr ‖ DLSettings ‖ RxDelay ‖
// [CFList].
type JoinAcceptPayload struct {
	AppNonce   [3]byte
	NetID      [3]byte
	DevAddr    DevAddr
	DLSettings DLSettings
	RxDelay    uint8
	CFList     []byte
}

// reverseBytes returns a new slice with b's bytes in reverse order; used at
// every wire/canonical boundary for DevAddr, EUI64 and FRMPayload. It is its
// own inverse.
func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
