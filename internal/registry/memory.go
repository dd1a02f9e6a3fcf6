package registry

import (
	"context"
	"sync"

	"github.com/lorawan-net/mac-server/pkg/lorawan"
)

// MemoryRegistry is an in-memory Registry implementation used by
// FrameProcessor/JoinEngine/DownlinkPlanner tests so they run without
// a live Postgres instance. A single mutex backs both the quick-access
// and transactional tiers, which is sufficient to honor the
// at-most-one-transaction-in-flight-per-key guarantee the abstract
// Registry requires.
type MemoryRegistry struct {
	mu sync.Mutex

	gateways         map[lorawan.EUI64]*Gateway
	devices          map[lorawan.EUI64]*Device
	links            map[lorawan.DevAddr]*Link
	pendingDownlinks map[lorawan.DevAddr]*PendingDownlink
	ignoredLinks     []IgnoredLink
	rxFrames         []*RxFrame
	nextRxFrameID    uint64
}

// NewMemoryRegistry returns an empty in-memory Registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		gateways:         make(map[lorawan.EUI64]*Gateway),
		devices:          make(map[lorawan.EUI64]*Device),
		links:            make(map[lorawan.DevAddr]*Link),
		pendingDownlinks: make(map[lorawan.DevAddr]*PendingDownlink),
	}
}

func (m *MemoryRegistry) Close() error { return nil }

func (m *MemoryRegistry) GetGateway(ctx context.Context, mac lorawan.EUI64) (*Gateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gw, ok := m.gateways[mac]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *gw
	return &cp, nil
}

func (m *MemoryRegistry) PutGateway(ctx context.Context, gw *Gateway) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *gw
	m.gateways[gw.MAC] = &cp
	return nil
}

func (m *MemoryRegistry) GetDevice(ctx context.Context, devEUI lorawan.EUI64) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[devEUI]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryRegistry) GetLink(ctx context.Context, devAddr lorawan.DevAddr) (*Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[devAddr]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryRegistry) PutLink(ctx context.Context, link *Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *link
	m.links[link.DevAddr] = &cp
	return nil
}

func (m *MemoryRegistry) ListIgnoredLinks(ctx context.Context) ([]IgnoredLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]IgnoredLink, len(m.ignoredLinks))
	copy(out, m.ignoredLinks)
	return out, nil
}

// AddIgnoredLink is test-setup sugar; it has no Registry interface
// counterpart since ignored links are provisioned externally.
func (m *MemoryRegistry) AddIgnoredLink(il IgnoredLink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ignoredLinks = append(m.ignoredLinks, il)
}

// PutDevice is test-setup sugar for seeding a Device outside of a
// transaction.
func (m *MemoryRegistry) PutDevice(ctx context.Context, device *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *device
	m.devices[device.DevEUI] = &cp
	return nil
}

func (m *MemoryRegistry) GetPendingDownlink(ctx context.Context, devAddr lorawan.DevAddr) (*PendingDownlink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pd, ok := m.pendingDownlinks[devAddr]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *pd
	return &cp, nil
}

func (m *MemoryRegistry) PutPendingDownlink(ctx context.Context, pd *PendingDownlink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *pd
	m.pendingDownlinks[pd.DevAddr] = &cp
	return nil
}

func (m *MemoryRegistry) DeletePendingDownlink(ctx context.Context, devAddr lorawan.DevAddr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendingDownlinks, devAddr)
	return nil
}

func (m *MemoryRegistry) AppendRxFrame(ctx context.Context, frame *RxFrame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRxFrameID++
	frame.ID = m.nextRxFrameID
	cp := *frame
	m.rxFrames = append(m.rxFrames, &cp)
	return nil
}

// RxFrames returns a snapshot of the append-only log, for test
// assertions.
func (m *MemoryRegistry) RxFrames() []*RxFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*RxFrame, len(m.rxFrames))
	copy(out, m.rxFrames)
	return out
}

// BeginTx takes the registry-wide lock for the lifetime of the
// transaction, giving the in-memory registry the same
// one-transaction-at-a-time-per-key guarantee a relational backend's
// row locks would provide.
func (m *MemoryRegistry) BeginTx(ctx context.Context) (Tx, error) {
	m.mu.Lock()
	return &memoryTx{reg: m}, nil
}

type memoryTx struct {
	reg      *MemoryRegistry
	done     bool
	touched  []lorawan.DevAddr
}

func (t *memoryTx) finish() {
	if !t.done {
		t.reg.mu.Unlock()
		t.done = true
	}
}

func (t *memoryTx) GetDevice(ctx context.Context, devEUI lorawan.EUI64) (*Device, error) {
	d, ok := t.reg.devices[devEUI]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (t *memoryTx) PutDevice(ctx context.Context, device *Device) error {
	cp := *device
	t.reg.devices[device.DevEUI] = &cp
	return nil
}

func (t *memoryTx) GetLink(ctx context.Context, devAddr lorawan.DevAddr) (*Link, error) {
	l, ok := t.reg.links[devAddr]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (t *memoryTx) PutLink(ctx context.Context, link *Link) error {
	cp := *link
	t.reg.links[link.DevAddr] = &cp
	return nil
}

func (t *memoryTx) DevAddrInUse(ctx context.Context, devAddr lorawan.DevAddr) (bool, error) {
	_, ok := t.reg.links[devAddr]
	return ok, nil
}

func (t *memoryTx) IncrementFCntDown(ctx context.Context, devAddr lorawan.DevAddr) (uint32, error) {
	l, ok := t.reg.links[devAddr]
	if !ok {
		return 0, ErrNotFound
	}
	l.FCntDown++
	return l.FCntDown, nil
}

func (t *memoryTx) DeletePendingDownlink(ctx context.Context, devAddr lorawan.DevAddr) error {
	delete(t.reg.pendingDownlinks, devAddr)
	return nil
}

func (t *memoryTx) Commit() error {
	t.finish()
	return nil
}

func (t *memoryTx) Rollback() error {
	t.finish()
	return nil
}
