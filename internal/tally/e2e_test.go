package tally

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/drand/tally/common/testlogger"
	"github.com/drand/tally/internal/entropy"
	"github.com/drand/tally/internal/escrow"
	"github.com/drand/tally/internal/fhe"
	"github.com/drand/tally/internal/oracle"
	"github.com/drand/tally/internal/state"
	"github.com/drand/tally/internal/state/boltdb"
)

const testMaxPlaintext = 1 << 16

// TestEndToEnd runs a full period with ElGamal ciphertexts, the in-process
// oracle gateway and a bolt store.
func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	l := testlogger.New(t)
	clock := clockwork.NewFakeClockAt(contributionStart)

	store, err := boltdb.NewStore(ctx, l, t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()

	kp := fhe.GenerateKey()
	engine := fhe.NewEvaluator(kp, testMaxPlaintext)
	gw := oracle.NewGateway(fhe.NewDecrypter(kp.Secret, testMaxPlaintext), fhe.GenerateKey(), oracle.WithLogger(l))
	defer gw.Stop()

	book := escrow.NewBook()
	for _, p := range participants {
		book.Deposit(p, balance)
	}

	svc, err := New(ctx, NewConfig(
		WithClock(clock),
		WithLogger(l),
		WithEngine(engine),
		WithOracle(gw, gw.Identity()),
		WithStore(store),
		WithEscrow(book),
		WithEntropy(entropy.NewReaderSource(nil)),
		WithAuthority(authority),
		WithoutTimeoutWatcher(),
	))
	require.NoError(t, err)
	gw.AddCallback("tally", oracle.Deliver(svc, gw.Identity()))
	svc.Start()
	defer svc.Stop()

	id, err := svc.OpenPeriod(ctx, authority)
	require.NoError(t, err)
	values := [][2]uint64{{500, 10}, {500, 10}, {500, 10}, {DefaultMaxA + 1, 10}}
	for i, v := range values {
		a, err := engine.Encrypt(v[0])
		require.NoError(t, err)
		b, err := engine.Encrypt(v[1])
		require.NoError(t, err)
		require.NoError(t, svc.Submit(ctx, participants[i], a, b, stake))
	}

	clock.Advance(time.Hour)
	_, err = svc.RequestAggregation(ctx, authority)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p, err := svc.Period(ctx, id)
		return err == nil && p.State == state.Closed
	}, 10*time.Second, 10*time.Millisecond)

	p, err := svc.Period(ctx, id)
	require.NoError(t, err)
	require.Equal(t, uint64(1500), p.PublicA)
	require.Equal(t, uint64(30), p.PublicB)
	require.Equal(t, Obfuscate(1500, p.Multiplier), p.ObfuscatedA)

	avgA, _, err := svc.Averages(ctx, id)
	require.NoError(t, err)
	require.Equal(t, p.ObfuscatedA/4, avgA)

	require.Eventually(t, func() bool {
		return book.Held() == 0
	}, 10*time.Second, 10*time.Millisecond)
	require.Equal(t, 4*stake, book.Released())
}
