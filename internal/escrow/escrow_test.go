package escrow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drand/tally/common"
)

func TestBookHoldRelease(t *testing.T) {
	ctx := context.Background()
	b := NewBook()
	b.Deposit("0xb0b", 5000)

	require.NoError(t, b.Hold(ctx, "0xb0b", 2000))
	require.Equal(t, uint64(3000), b.Balance("0xb0b"))
	require.Equal(t, uint64(2000), b.Held())

	err := b.Hold(ctx, "0xb0b", 4000)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	require.NoError(t, b.Release(ctx, "0xb0b", 2000))
	require.Equal(t, uint64(5000), b.Balance("0xb0b"))
	require.Equal(t, uint64(0), b.Held())
	require.Equal(t, uint64(2000), b.Released())

	require.ErrorIs(t, b.Release(ctx, "0xb0b", 1), ErrInsufficientFunds)
}

func TestBookHookRevert(t *testing.T) {
	ctx := context.Background()
	b := NewBook()
	b.Deposit("0xb0b", 100)
	require.NoError(t, b.Hold(ctx, "0xb0b", 100))

	boom := errors.New("receiver rejected")
	var seen uint64
	b.OnReceive(func(_ context.Context, to common.Identity, amount uint64) error {
		seen = amount
		return boom
	})

	require.ErrorIs(t, b.Release(ctx, "0xb0b", 100), boom)
	require.Equal(t, uint64(100), seen)
	require.Equal(t, uint64(100), b.Held())
	require.Equal(t, uint64(0), b.Balance("0xb0b"))
	require.Equal(t, uint64(0), b.Released())
}
