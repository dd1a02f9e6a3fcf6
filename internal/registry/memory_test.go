package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lorawan-net/mac-server/pkg/lorawan"
)

func TestMemoryRegistry_LinkRoundTrip(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	link := &Link{DevAddr: lorawan.DevAddr{0x01, 0x02, 0x03, 0x04}, FCntUp: 5}
	require.NoError(t, reg.PutLink(ctx, link))

	got, err := reg.GetLink(ctx, link.DevAddr)
	require.NoError(t, err)
	require.Equal(t, uint32(5), got.FCntUp)

	_, err = reg.GetLink(ctx, lorawan.DevAddr{0xFF, 0xFF, 0xFF, 0xFF})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRegistry_TxIncrementFCntDown(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	devAddr := lorawan.DevAddr{0x01, 0x02, 0x03, 0x04}
	require.NoError(t, reg.PutLink(ctx, &Link{DevAddr: devAddr, FCntDown: 10}))

	tx, err := reg.BeginTx(ctx)
	require.NoError(t, err)

	next, err := tx.IncrementFCntDown(ctx, devAddr)
	require.NoError(t, err)
	require.Equal(t, uint32(11), next)
	require.NoError(t, tx.Commit())

	link, err := reg.GetLink(ctx, devAddr)
	require.NoError(t, err)
	require.Equal(t, uint32(11), link.FCntDown)
}

func TestMemoryRegistry_DevAddrInUse(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	devAddr := lorawan.DevAddr{0x04, 0xAA, 0xBB, 0xCC}

	tx, err := reg.BeginTx(ctx)
	require.NoError(t, err)
	inUse, err := tx.DevAddrInUse(ctx, devAddr)
	require.NoError(t, err)
	require.False(t, inUse)
	require.NoError(t, tx.Rollback())

	require.NoError(t, reg.PutLink(ctx, &Link{DevAddr: devAddr}))

	tx, err = reg.BeginTx(ctx)
	require.NoError(t, err)
	inUse, err = tx.DevAddrInUse(ctx, devAddr)
	require.NoError(t, err)
	require.True(t, inUse)
	require.NoError(t, tx.Rollback())
}

func TestIgnoredLink_Matches(t *testing.T) {
	il := IgnoredLink{
		Base: lorawan.DevAddr{0x02, 0x00, 0x00, 0x00},
		Mask: lorawan.DevAddr{0xFF, 0x00, 0x00, 0x00},
	}
	require.True(t, il.Matches(lorawan.DevAddr{0x02, 0xAA, 0xBB, 0xCC}))
	require.False(t, il.Matches(lorawan.DevAddr{0x03, 0xAA, 0xBB, 0xCC}))
}
