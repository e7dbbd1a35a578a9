package tally

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drand/tally/common"
	"github.com/drand/tally/internal/state"
)

func failedPeriod(f *fixture) uint32 {
	id := f.collect()
	f.aggregate()
	f.clock.Advance(DefaultRequestTimeout + time.Second)
	require.NoError(f.t, f.svc.HandleTimeout(f.ctx, id))
	return id
}

func TestRefundReentrancy(t *testing.T) {
	f := newFixture(t)
	id := failedPeriod(f)

	var reentered []error
	f.book.OnReceive(func(ctx context.Context, to common.Identity, amount uint64) error {
		reentered = append(reentered,
			f.svc.ClaimRefund(ctx, to, id),
			f.svc.Submit(ctx, to, f.encrypt(1), f.encrypt(1), stake),
			f.svc.HandleTimeout(ctx, id),
			f.svc.Pause(ctx, pauser),
		)
		for _, err := range reentered {
			if err != nil {
				return err
			}
		}
		return nil
	})

	err := f.svc.ClaimRefund(f.ctx, participants[0], id)
	require.ErrorIs(t, err, common.ErrReentrancyDetected)
	require.Len(t, reentered, 4)
	for _, rerr := range reentered {
		require.ErrorIs(t, rerr, common.ErrReentrancyDetected)
	}

	// the failed payout left the claim open
	c, err := f.svc.Contribution(f.ctx, id, participants[0])
	require.NoError(t, err)
	require.False(t, c.Refunded)
	require.Equal(t, balance-stake, f.book.Balance(participants[0]))

	f.book.OnReceive(nil)
	require.NoError(t, f.svc.ClaimRefund(f.ctx, participants[0], id))
	require.Equal(t, balance, f.book.Balance(participants[0]))
	require.ErrorIs(t, f.svc.ClaimRefund(f.ctx, participants[0], id), common.ErrRefundAlreadyProcessed)
}

func TestRefundReentryOtherContext(t *testing.T) {
	f := newFixture(t)
	id := failedPeriod(f)

	var reentered []error
	f.book.OnReceive(func(_ context.Context, to common.Identity, _ uint64) error {
		bg := context.Background()
		reentered = append(reentered,
			f.svc.ClaimRefund(bg, to, id),
			f.svc.HandleTimeout(bg, id),
		)
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- f.svc.ClaimRefund(f.ctx, participants[0], id) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("refund payout blocked the service")
	}
	require.Len(t, reentered, 2)
	require.ErrorIs(t, reentered[0], common.ErrRefundAlreadyProcessed)
	require.ErrorIs(t, reentered[1], common.ErrAlreadyClosed)
	require.Equal(t, balance, f.book.Balance(participants[0]))
	require.Equal(t, 2*stake, f.book.Held())
}

func TestRefundsResumeAfterUnpause(t *testing.T) {
	f := newFixture(t)
	var once sync.Once
	f.book.OnReceive(func(context.Context, common.Identity, uint64) error {
		var err error
		once.Do(func() {
			if err = f.svc.Pause(context.Background(), pauser); err == nil {
				err = errors.New("receiver offline")
			}
		})
		return err
	})
	f.svc.Start()

	id := f.collect()
	req := f.aggregate()
	require.NoError(t, f.svc.OnDecrypted(f.ctx, oracleID, req, 1500, 30))

	// settled: paused, and every claim either paid or reverted
	require.Eventually(t, func() bool {
		r, err := f.svc.Roles(f.ctx)
		if err != nil || !r.Paused {
			return false
		}
		for _, p := range participants[:3] {
			c, err := f.svc.Contribution(f.ctx, id, p)
			if err != nil || c.Refunded != (f.book.Balance(p) == balance) {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	require.NotZero(t, f.book.Held())

	require.NoError(t, f.svc.Unpause(f.ctx, pauser))
	require.Eventually(t, func() bool {
		return f.book.Held() == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 3*stake, f.book.Released())
	for _, p := range participants[:3] {
		require.Equal(t, balance, f.book.Balance(p))
	}
}

func TestRefundPaymentFailure(t *testing.T) {
	f := newFixture(t)
	id := failedPeriod(f)

	boom := errors.New("receiver offline")
	f.book.OnReceive(func(context.Context, common.Identity, uint64) error { return boom })
	require.ErrorIs(t, f.svc.ClaimRefund(f.ctx, participants[1], id), boom)
	require.Equal(t, 3*stake, f.book.Held())

	f.book.OnReceive(nil)
	require.NoError(t, f.svc.ClaimRefund(f.ctx, participants[1], id))
	require.Equal(t, 2*stake, f.book.Held())
}

func TestRefundsBalance(t *testing.T) {
	f := newFixture(t)
	f.svc.Start()

	// one finalized period, one failed period
	id1 := f.collect()
	req := f.aggregate()
	require.NoError(t, f.svc.OnDecrypted(f.ctx, oracleID, req, 1500, 30))
	f.clock.Advance(time.Hour)
	id2 := failedPeriod(f)
	for _, p := range participants[:3] {
		require.NoError(t, f.svc.ClaimRefund(f.ctx, p, id2))
	}

	require.Eventually(t, func() bool {
		return f.book.Held() == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 6*stake, f.book.Released())

	var refunded uint64
	evs, err := f.svc.Events(f.ctx, 0, 0)
	require.NoError(t, err)
	for _, e := range evs {
		if e.Kind == state.RefundIssued {
			require.Contains(t, []uint32{id1, id2}, e.PeriodID)
			refunded += e.Amount
		}
	}
	require.Equal(t, 6*stake, refunded)
}
