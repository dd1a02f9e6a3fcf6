// Package appclient implements the ApplicationHandler contract over
// NATS request-reply, so join and uplink notifications block on the
// application's actual response instead of firing and forgetting.
package appclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lorawan-net/mac-server/internal/engine"
	"github.com/lorawan-net/mac-server/pkg/lorawan"
)

// Client dispatches handle_join/handle_rx calls as NATS requests on
// application.<appID>.device.<devAddr>.{join,rx} and blocks for the
// reply.
type Client struct {
	nc      *nats.Conn
	timeout time.Duration
}

// NewClient builds a Client. timeout bounds every request.
func NewClient(nc *nats.Conn, timeout time.Duration) *Client {
	return &Client{nc: nc, timeout: timeout}
}

type joinRequest struct {
	DevAddr string `json:"devAddr"`
	App     string `json:"app"`
	AppID   string `json:"appID"`
}

type joinReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func joinSubject(appID string, devAddr lorawan.DevAddr) string {
	return fmt.Sprintf("application.%s.device.%s.join", appID, devAddr.String())
}

func buildJoinRequest(devAddr lorawan.DevAddr, app, appID string) ([]byte, error) {
	return json.Marshal(joinRequest{DevAddr: devAddr.String(), App: app, AppID: appID})
}

func parseJoinReply(data []byte) error {
	var reply joinReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return fmt.Errorf("decode join reply: %w", err)
	}
	if !reply.OK {
		return fmt.Errorf("application rejected join: %s", reply.Error)
	}
	return nil
}

// HandleJoin implements engine.ApplicationHandler.
func (c *Client) HandleJoin(ctx context.Context, devAddr lorawan.DevAddr, app, appID string) error {
	payload, err := buildJoinRequest(devAddr, app, appID)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(reqCtx, joinSubject(appID, devAddr), payload)
	if err != nil {
		return fmt.Errorf("join notification request: %w", err)
	}
	return parseJoinReply(msg.Data)
}

type rxRequest struct {
	DevAddr    string `json:"devAddr"`
	App        string `json:"app"`
	AppID      string `json:"appID"`
	Port       uint8  `json:"port"`
	Data       []byte `json:"data,omitempty"`
	LastLost   bool   `json:"lastLost"`
	ShallReply bool   `json:"shallReply"`
}

type rxReply struct {
	Result    string `json:"result"` // "ok" | "retransmit" | "send"
	Confirmed bool   `json:"confirmed,omitempty"`
	Port      *uint8 `json:"port,omitempty"`
	Data      []byte `json:"data,omitempty"`
	Pending   bool   `json:"pending,omitempty"`
	Error     string `json:"error,omitempty"`
}

func rxSubject(appID string, devAddr lorawan.DevAddr) string {
	return fmt.Sprintf("application.%s.device.%s.rx", appID, devAddr.String())
}

func buildRxRequest(event engine.RxEvent) ([]byte, error) {
	return json.Marshal(rxRequest{
		DevAddr:    event.DevAddr.String(),
		App:        event.App,
		AppID:      event.AppID,
		Port:       event.Port,
		Data:       event.Data,
		LastLost:   event.LastLost,
		ShallReply: event.ShallReply,
	})
}

func parseRxReply(data []byte) (engine.HandlerResult, *engine.TxData, error) {
	var reply rxReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return engine.HandlerOK, nil, fmt.Errorf("decode rx reply: %w", err)
	}

	switch reply.Result {
	case "retransmit":
		return engine.HandlerRetransmit, nil, nil
	case "send":
		return engine.HandlerSend, &engine.TxData{
			Confirmed: reply.Confirmed,
			Port:      reply.Port,
			Data:      reply.Data,
			Pending:   reply.Pending,
		}, nil
	case "error":
		return engine.HandlerOK, nil, fmt.Errorf("application error: %s", reply.Error)
	default:
		return engine.HandlerOK, nil, nil
	}
}

// HandleRx implements engine.ApplicationHandler.
func (c *Client) HandleRx(ctx context.Context, event engine.RxEvent) (engine.HandlerResult, *engine.TxData, error) {
	payload, err := buildRxRequest(event)
	if err != nil {
		return engine.HandlerOK, nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(reqCtx, rxSubject(event.AppID, event.DevAddr), payload)
	if err != nil {
		return engine.HandlerOK, nil, fmt.Errorf("rx notification request: %w", err)
	}
	return parseRxReply(msg.Data)
}
