// Package engine holds the types shared between FrameProcessor,
// JoinEngine, DownlinkPlanner, and the application-handler contract,
// so those packages can depend on each other's inputs/outputs without
// importing one another directly.
package engine

import (
	"context"
	"time"

	"github.com/lorawan-net/mac-server/pkg/lorawan"
)

// RxQuality is the gateway's report of how an uplink was received.
type RxQuality struct {
	Tmst    uint64 // gateway internal timestamp, microseconds
	RSSI    int
	LoRaSNR float64
}

// RFParams describes a radio channel: frequency, data-rate index, and
// coding rate.
type RFParams struct {
	FrequencyMHz float64
	DataRate     uint8
	CodingRate   string
}

// ErrorKind enumerates the exhaustive set of core-surface error kinds.
type ErrorKind string

const (
	ErrUnknownMAC              ErrorKind = "unknown_mac"
	ErrUnknownDevEUI           ErrorKind = "unknown_deveui"
	ErrUnknownDevAddr          ErrorKind = "unknown_devaddr"
	ErrBadMIC                  ErrorKind = "bad_mic"
	ErrFCntGapTooLarge         ErrorKind = "fcnt_gap_too_large"
	ErrDevAddrAllocationFailed ErrorKind = "devaddr_allocation_failed"
	ErrParse                   ErrorKind = "parse_error"
)

// ProcessError wraps a core-surface error with its classifying Kind.
type ProcessError struct {
	Kind ErrorKind
	Err  error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// NewError builds a ProcessError, tolerating a nil underlying error.
func NewError(kind ErrorKind, err error) *ProcessError {
	return &ProcessError{Kind: kind, Err: err}
}

// Outcome is the result of process_frame: either nothing to send, or
// a scheduled downlink transmission.
type Outcome struct {
	Send       bool
	Time       time.Time
	RF         RFParams
	PHYPayload []byte
}

// TxData is the application handler's instruction for a new downlink.
type TxData struct {
	Confirmed bool
	Port      *uint8
	Data      []byte
	Pending   bool
}

// RxEvent is what the application handler sees for an accepted uplink.
type RxEvent struct {
	DevAddr    lorawan.DevAddr
	App        string
	AppID      string
	Port       uint8
	Data       []byte
	LastLost   bool
	ShallReply bool
}

// HandlerResult classifies handle_rx's reply.
type HandlerResult int

const (
	HandlerOK HandlerResult = iota
	HandlerRetransmit
	HandlerSend
)

// ApplicationHandler is the egress contract an application integration
// implements: handle_join/handle_rx.
type ApplicationHandler interface {
	HandleJoin(ctx context.Context, devAddr lorawan.DevAddr, app, appID string) error
	HandleRx(ctx context.Context, event RxEvent) (HandlerResult, *TxData, error)
}
