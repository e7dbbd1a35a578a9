// Package storetest holds the behaviour every state.Store must share.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drand/tally/common"
	"github.com/drand/tally/internal/roles"
	"github.com/drand/tally/internal/state"
)

// Run exercises the store returned by newStore.
func Run(t *testing.T, newStore func(t *testing.T) state.Store) {
	t.Run("Records", func(t *testing.T) { testRecords(t, newStore(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("Pending", func(t *testing.T) { testPending(t, newStore(t)) })
	t.Run("Events", func(t *testing.T) { testEvents(t, newStore(t)) })
	t.Run("ReadOnly", func(t *testing.T) { testReadOnly(t, newStore(t)) })
}

func testRecords(t *testing.T, s state.Store) {
	ctx := context.Background()
	defer s.Close()

	r, err := roles.New("0xa11ce")
	require.NoError(t, err)

	period := &state.Period{
		ID:           3,
		State:        state.Open,
		StartTime:    1000,
		AggregateA:   []byte{0x01, 0x02},
		AggregateB:   []byte{0x03},
		Participants: []common.Identity{"0xb0b"},
		Multiplier:   742,
	}
	contrib := &state.Contribution{
		PeriodID:    3,
		Participant: "0xb0b",
		ValueA:      []byte{0xaa},
		ValueB:      []byte{0xbb},
		Valid:       []byte{0x01},
		SubmittedAt: 1001,
		Stake:       1500,
	}

	err = s.Update(ctx, func(tx state.Tx) error {
		m, err := tx.Meta()
		require.NoError(t, err)
		require.Equal(t, uint32(0), m.LastPeriodID)
		m.LastPeriodID = 3
		m.Roles = r
		require.NoError(t, tx.PutMeta(m))
		require.NoError(t, tx.PutPeriod(period))
		require.NoError(t, tx.PutContribution(contrib))

		// writes are visible inside the transaction
		p, err := tx.Period(3)
		require.NoError(t, err)
		require.Equal(t, period, p)
		return nil
	})
	require.NoError(t, err)

	err = s.View(ctx, func(tx state.Tx) error {
		m, err := tx.Meta()
		require.NoError(t, err)
		require.Equal(t, uint32(3), m.LastPeriodID)
		require.True(t, m.Roles.IsAuthority("0xa11ce"))

		p, err := tx.Period(3)
		require.NoError(t, err)
		require.Equal(t, period, p)

		c, err := tx.Contribution(3, "0xb0b")
		require.NoError(t, err)
		require.Equal(t, contrib, c)

		_, err = tx.Contribution(3, "0xe7e")
		require.True(t, errors.Is(err, state.ErrNotFound))
		_, err = tx.Period(4)
		require.True(t, errors.Is(err, state.ErrNotFound))
		return nil
	})
	require.NoError(t, err)
}

func testRollback(t *testing.T, s state.Store) {
	ctx := context.Background()
	defer s.Close()

	boom := errors.New("boom")
	err := s.Update(ctx, func(tx state.Tx) error {
		require.NoError(t, tx.PutPeriod(&state.Period{ID: 1}))
		require.NoError(t, tx.PutMeta(&state.Meta{LastPeriodID: 1}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = s.View(ctx, func(tx state.Tx) error {
		_, err := tx.Period(1)
		require.ErrorIs(t, err, state.ErrNotFound)
		m, err := tx.Meta()
		require.NoError(t, err)
		require.Equal(t, uint32(0), m.LastPeriodID)
		return nil
	})
	require.NoError(t, err)
}

func testPending(t *testing.T, s state.Store) {
	ctx := context.Background()
	defer s.Close()

	r1 := &state.OracleRequest{ID: "r1", PeriodID: 1, Deadline: 200}
	r2 := &state.OracleRequest{ID: "r2", PeriodID: 2, Deadline: 100}
	require.NoError(t, s.Update(ctx, func(tx state.Tx) error {
		require.NoError(t, tx.PutRequest(r1))
		return tx.PutRequest(r2)
	}))

	require.NoError(t, s.View(ctx, func(tx state.Tx) error {
		pending, err := tx.Pending()
		require.NoError(t, err)
		require.Len(t, pending, 2)
		require.Equal(t, state.RequestID("r2"), pending[0].ID)
		return nil
	}))

	require.NoError(t, s.Update(ctx, func(tx state.Tx) error {
		r2.Completed = true
		require.NoError(t, tx.PutRequest(r2))
		require.NoError(t, tx.Resolve(r2.ID))
		pending, err := tx.Pending()
		require.NoError(t, err)
		require.Len(t, pending, 1)
		return nil
	}))

	require.NoError(t, s.View(ctx, func(tx state.Tx) error {
		pending, err := tx.Pending()
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Equal(t, state.RequestID("r1"), pending[0].ID)

		r, err := tx.Request("r2")
		require.NoError(t, err)
		require.True(t, r.Completed)
		return nil
	}))
}

func testEvents(t *testing.T, s state.Store) {
	ctx := context.Background()
	defer s.Close()

	require.NoError(t, s.Update(ctx, func(tx state.Tx) error {
		for i := uint64(1); i <= 5; i++ {
			ev := &state.Event{Seq: i, Kind: state.ContributionRecorded, PeriodID: 1, Time: int64(i)}
			require.NoError(t, tx.AppendEvent(ev))
		}
		return nil
	}))
	require.NoError(t, s.Update(ctx, func(tx state.Tx) error {
		require.NoError(t, tx.AppendEvent(&state.Event{Seq: 6, Kind: state.PeriodFailed}))
		evs, err := tx.Events(5, 0)
		require.NoError(t, err)
		require.Len(t, evs, 2)
		return nil
	}))

	require.NoError(t, s.View(ctx, func(tx state.Tx) error {
		evs, err := tx.Events(2, 3)
		require.NoError(t, err)
		require.Len(t, evs, 3)
		require.Equal(t, uint64(2), evs[0].Seq)
		require.Equal(t, uint64(4), evs[2].Seq)

		evs, err = tx.Events(0, 0)
		require.NoError(t, err)
		require.Len(t, evs, 6)
		require.Equal(t, state.PeriodFailed, evs[5].Kind)
		return nil
	}))
}

func testReadOnly(t *testing.T, s state.Store) {
	defer s.Close()
	err := s.View(context.Background(), func(tx state.Tx) error {
		return tx.PutPeriod(&state.Period{ID: 1})
	})
	require.Error(t, err)
}
