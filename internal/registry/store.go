package registry

import (
	"context"
	"errors"

	"github.com/lorawan-net/mac-server/pkg/lorawan"
)

// Common errors returned by Registry/Tx implementations.
var (
	ErrNotFound     = errors.New("registry: not found")
	ErrDuplicateKey = errors.New("registry: duplicate key")
)

// Registry is the quick-access tier: single-key reads and writes with
// no cross-entity transactional guarantee, used on the hot uplink
// path after MIC verification.
type Registry interface {
	GetGateway(ctx context.Context, mac lorawan.EUI64) (*Gateway, error)
	PutGateway(ctx context.Context, gw *Gateway) error

	GetDevice(ctx context.Context, devEUI lorawan.EUI64) (*Device, error)

	GetLink(ctx context.Context, devAddr lorawan.DevAddr) (*Link, error)
	PutLink(ctx context.Context, link *Link) error

	ListIgnoredLinks(ctx context.Context) ([]IgnoredLink, error)

	GetPendingDownlink(ctx context.Context, devAddr lorawan.DevAddr) (*PendingDownlink, error)
	PutPendingDownlink(ctx context.Context, pd *PendingDownlink) error
	DeletePendingDownlink(ctx context.Context, devAddr lorawan.DevAddr) error

	AppendRxFrame(ctx context.Context, frame *RxFrame) error

	// BeginTx opens a transactional handle spanning Device and Link
	// records, used by the join handshake and by fcntdown increment.
	BeginTx(ctx context.Context) (Tx, error)

	Close() error
}

// Tx is the transactional tier: atomic read-modify-write across
// Device and Link records. The caller MUST call Commit or Rollback
// exactly once.
type Tx interface {
	GetDevice(ctx context.Context, devEUI lorawan.EUI64) (*Device, error)
	PutDevice(ctx context.Context, device *Device) error

	GetLink(ctx context.Context, devAddr lorawan.DevAddr) (*Link, error)
	PutLink(ctx context.Context, link *Link) error

	// DevAddrInUse reports whether a Link already exists for devAddr,
	// under the transaction's isolation, for the join-handshake
	// collision-retry loop.
	DevAddrInUse(ctx context.Context, devAddr lorawan.DevAddr) (bool, error)

	// IncrementFCntDown atomically reads, increments, and persists a
	// Link's fcntdown counter, returning the new value.
	IncrementFCntDown(ctx context.Context, devAddr lorawan.DevAddr) (uint32, error)

	DeletePendingDownlink(ctx context.Context, devAddr lorawan.DevAddr) error

	Commit() error
	Rollback() error
}
