package tally

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/drand/tally/common"
	"github.com/drand/tally/common/testlogger"
	"github.com/drand/tally/internal/escrow"
	"github.com/drand/tally/internal/fhe"
	"github.com/drand/tally/internal/state"
	"github.com/drand/tally/internal/state/memdb"
)

const (
	authority common.Identity = "0xa11ce"
	pauser    common.Identity = "0xpa05e"
	oracleID  common.Identity = "0x0dd"

	stake   uint64 = 1500
	balance uint64 = 100000
)

var participants = []common.Identity{"0xb0b", "0xca201", "0xda7e", "0xe7e"}

// contributionStart is the beginning of an odd UTC hour.
var contributionStart = time.Date(2022, 6, 1, 1, 0, 0, 0, time.UTC)

type mockOracle struct {
	sync.Mutex
	requests [][]fhe.Ciphertext
	fail     error
}

func (m *mockOracle) RequestDecryption(_ context.Context, cts []fhe.Ciphertext) (state.RequestID, error) {
	m.Lock()
	defer m.Unlock()
	if m.fail != nil {
		return "", m.fail
	}
	m.requests = append(m.requests, cts)
	return state.RequestID(fmt.Sprintf("req-%d", len(m.requests))), nil
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	clock  clockwork.FakeClock
	book   *escrow.Book
	oracle *mockOracle
	engine fhe.ClearEngine
	svc    *Service
}

func newFixture(t *testing.T, opts ...ConfigOption) *fixture {
	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		clock:  clockwork.NewFakeClockAt(contributionStart),
		book:   escrow.NewBook(),
		oracle: &mockOracle{},
	}
	for _, p := range participants {
		f.book.Deposit(p, balance)
	}
	base := []ConfigOption{
		WithClock(f.clock),
		WithLogger(testlogger.New(t)),
		WithEngine(f.engine),
		WithOracle(f.oracle, oracleID),
		WithStore(memdb.NewStore()),
		WithEscrow(f.book),
		WithAuthority(authority, pauser),
		WithoutTimeoutWatcher(),
	}
	svc, err := New(f.ctx, NewConfig(append(base, opts...)...))
	require.NoError(t, err)
	t.Cleanup(svc.Stop)
	f.svc = svc
	return f
}

func (f *fixture) encrypt(v uint64) fhe.Ciphertext {
	c, err := f.engine.Encrypt(v)
	require.NoError(f.t, err)
	return c
}

func (f *fixture) decrypt(c fhe.Ciphertext) uint64 {
	v, err := f.engine.Decrypt(c)
	require.NoError(f.t, err)
	return v
}

func (f *fixture) submit(p common.Identity, a, b uint64) error {
	return f.svc.Submit(f.ctx, p, f.encrypt(a), f.encrypt(b), stake)
}

func (f *fixture) period(id uint32) *state.Period {
	p, err := f.svc.Period(f.ctx, id)
	require.NoError(f.t, err)
	return p
}

// collect opens a period and records three contributions of (500, 10).
func (f *fixture) collect() uint32 {
	id, err := f.svc.OpenPeriod(f.ctx, participants[0])
	require.NoError(f.t, err)
	for _, p := range participants[:3] {
		require.NoError(f.t, f.submit(p, 500, 10))
	}
	return id
}

// aggregate moves to the aggregation window and requests the decryption.
func (f *fixture) aggregate() state.RequestID {
	f.clock.Advance(time.Hour)
	id, err := f.svc.RequestAggregation(f.ctx, authority)
	require.NoError(f.t, err)
	return id
}

func (f *fixture) kinds() []state.EventKind {
	evs, err := f.svc.Events(f.ctx, 0, 0)
	require.NoError(f.t, err)
	out := make([]state.EventKind, len(evs))
	for i, e := range evs {
		require.Equal(f.t, uint64(i+1), e.Seq)
		out[i] = e.Kind
	}
	return out
}

func TestNewValidation(t *testing.T) {
	ctx := context.Background()
	_, err := New(ctx, NewConfig(WithEngine(fhe.ClearEngine{}), WithOracle(&mockOracle{}, oracleID),
		WithStore(memdb.NewStore()), WithEscrow(escrow.NewBook())))
	require.ErrorIs(t, err, common.ErrZeroAddress)

	_, err = New(ctx, NewConfig(WithEngine(fhe.ClearEngine{}), WithOracle(&mockOracle{}, ""),
		WithStore(memdb.NewStore()), WithEscrow(escrow.NewBook()), WithAuthority(authority)))
	require.ErrorIs(t, err, common.ErrZeroAddress)

	_, err = New(ctx, NewConfig(WithOracle(&mockOracle{}, oracleID)))
	require.Error(t, err)
}

func TestPersistedRolesWin(t *testing.T) {
	ctx := context.Background()
	store := memdb.NewStore()
	opts := []ConfigOption{WithEngine(fhe.ClearEngine{}), WithOracle(&mockOracle{}, oracleID),
		WithStore(store), WithEscrow(escrow.NewBook()), WithLogger(testlogger.New(t))}

	s1, err := New(ctx, NewConfig(append(opts, WithAuthority(authority))...))
	require.NoError(t, err)
	require.NoError(t, s1.TransferAuthority(ctx, authority, "0xbea7"))

	s2, err := New(ctx, NewConfig(append(opts, WithAuthority(authority))...))
	require.NoError(t, err)
	r, err := s2.Roles(ctx)
	require.NoError(t, err)
	require.True(t, r.IsAuthority("0xbea7"))
}

func TestOpenPeriod(t *testing.T) {
	f := newFixture(t)

	f.clock.Advance(time.Hour)
	_, err := f.svc.OpenPeriod(f.ctx, participants[0])
	require.ErrorIs(t, err, common.ErrWindowViolation)

	f.clock.Advance(time.Hour)
	id, err := f.svc.OpenPeriod(f.ctx, participants[0])
	require.NoError(t, err)
	require.Equal(t, uint32(1), id)

	p := f.period(id)
	require.Equal(t, state.Open, p.State)
	require.Equal(t, f.clock.Now().Unix(), p.StartTime)
	require.GreaterOrEqual(t, p.Multiplier, MultiplierMin)
	require.Less(t, p.Multiplier, MultiplierMin+MultiplierSpan)
	require.Equal(t, uint64(0), f.decrypt(p.AggregateA))
	require.Equal(t, uint64(0), f.decrypt(p.AggregateB))

	_, err = f.svc.OpenPeriod(f.ctx, participants[1])
	require.ErrorIs(t, err, common.ErrPeriodAlreadyActive)

	cur, err := f.svc.Current(f.ctx)
	require.NoError(t, err)
	require.Equal(t, id, cur.ID)
	require.Equal(t, []state.EventKind{state.PeriodOpened}, f.kinds())
}

func TestMaxPeriods(t *testing.T) {
	f := newFixture(t, WithMaxPeriods(1))
	f.collect()
	req := f.aggregate()
	require.NoError(t, f.svc.OnDecrypted(f.ctx, oracleID, req, 1500, 30))

	f.clock.Advance(time.Hour)
	_, err := f.svc.OpenPeriod(f.ctx, participants[0])
	require.ErrorIs(t, err, common.ErrMaxPeriodsReached)
}

func TestPeriodIDsIncrease(t *testing.T) {
	f := newFixture(t)
	for want := uint32(1); want <= 3; want++ {
		id := f.collect()
		require.Equal(t, want, id)
		req := f.aggregate()
		require.NoError(t, f.svc.OnDecrypted(f.ctx, oracleID, req, 1500, 30))
		f.clock.Advance(time.Hour)
	}
}

func TestSubmit(t *testing.T) {
	f := newFixture(t)

	err := f.submit(participants[0], 1, 1)
	require.ErrorIs(t, err, common.ErrWindowViolation, "no period yet")

	id, err := f.svc.OpenPeriod(f.ctx, participants[0])
	require.NoError(t, err)

	require.NoError(t, f.submit(participants[0], 500, 10))
	require.ErrorIs(t, f.submit(participants[0], 600, 20), common.ErrDuplicateContribution)

	err = f.svc.Submit(f.ctx, participants[1], f.encrypt(1), f.encrypt(1), DefaultMinStake-1)
	require.ErrorIs(t, err, common.ErrInvalidAmount)

	err = f.svc.Submit(f.ctx, "", f.encrypt(1), f.encrypt(1), stake)
	require.ErrorIs(t, err, common.ErrZeroAddress)

	// out of bounds values are recorded but do not count
	require.NoError(t, f.submit(participants[1], DefaultMaxA+1, 10))
	require.NoError(t, f.submit(participants[2], 700, DefaultMaxB+1))
	require.NoError(t, f.submit(participants[3], DefaultMaxA, DefaultMaxB))

	p := f.period(id)
	require.Equal(t, participants, p.Participants)
	require.Equal(t, 500+DefaultMaxA, f.decrypt(p.AggregateA))
	require.Equal(t, 10+DefaultMaxB, f.decrypt(p.AggregateB))

	view, err := f.svc.Contribution(f.ctx, id, participants[1])
	require.NoError(t, err)
	require.Equal(t, DefaultMaxA+1, f.decrypt(view.ValueA))
	require.Equal(t, stake, view.Stake)
	require.False(t, view.Refundable)

	require.Equal(t, 4*stake, f.book.Held())
	require.Equal(t, balance-stake, f.book.Balance(participants[0]))
}

func TestSubmitFailedHoldLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	id, err := f.svc.OpenPeriod(f.ctx, participants[0])
	require.NoError(t, err)

	err = f.svc.Submit(f.ctx, "0xb20ke", f.encrypt(1), f.encrypt(1), stake)
	require.ErrorIs(t, err, escrow.ErrInsufficientFunds)
	require.Empty(t, f.period(id).Participants)
	_, err = f.svc.Contribution(f.ctx, id, "0xb20ke")
	require.ErrorIs(t, err, state.ErrNotFound)
}

// Scenario C
func TestSubmitInAggregationWindow(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.OpenPeriod(f.ctx, participants[0])
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	require.ErrorIs(t, f.submit(participants[0], 500, 10), common.ErrWindowViolation)
}

func TestRequestAggregation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RequestAggregation(f.ctx, authority)
	require.ErrorIs(t, err, common.ErrWindowViolation)

	f.clock.Advance(time.Hour)
	_, err = f.svc.RequestAggregation(f.ctx, authority)
	require.ErrorIs(t, err, common.ErrNoDataCollected)

	f.clock.Advance(time.Hour)
	id, err := f.svc.OpenPeriod(f.ctx, participants[0])
	require.NoError(t, err)
	for _, p := range participants[:2] {
		require.NoError(t, f.submit(p, 500, 10))
	}
	f.clock.Advance(time.Hour)

	_, err = f.svc.RequestAggregation(f.ctx, participants[0])
	require.ErrorIs(t, err, common.ErrNotAuthorized)
	_, err = f.svc.RequestAggregation(f.ctx, authority)
	require.ErrorIs(t, err, common.ErrInsufficientParticipants)

	f.oracle.fail = fmt.Errorf("gateway down")
	f.clock.Advance(time.Hour)
	require.NoError(t, f.submit(participants[2], 500, 10))
	f.clock.Advance(time.Hour)
	_, err = f.svc.RequestAggregation(f.ctx, authority)
	require.Error(t, err)
	require.Equal(t, state.Open, f.period(id).State)

	f.oracle.fail = nil
	req, err := f.svc.RequestAggregation(f.ctx, authority)
	require.NoError(t, err)

	p := f.period(id)
	require.Equal(t, state.AwaitingDecryption, p.State)
	require.Equal(t, req, p.RequestID)
	require.Equal(t, f.clock.Now().Unix()+int64(DefaultRequestTimeout/time.Second), p.RequestDeadline)

	require.Len(t, f.oracle.requests, 1)
	require.Equal(t, uint64(1500), f.decrypt(f.oracle.requests[0][0]))
	require.Equal(t, uint64(30), f.decrypt(f.oracle.requests[0][1]))

	_, err = f.svc.RequestAggregation(f.ctx, authority)
	require.ErrorIs(t, err, common.ErrNoDataCollected)
}

// Scenario A
func TestScenarioFinalize(t *testing.T) {
	f := newFixture(t)
	id := f.collect()
	req := f.aggregate()

	f.clock.Advance(10 * time.Minute)
	require.NoError(t, f.svc.OnDecrypted(f.ctx, oracleID, req, 1500, 30))

	p := f.period(id)
	require.Equal(t, state.Closed, p.State)
	require.Equal(t, uint64(1500), p.PublicA)
	require.Equal(t, uint64(30), p.PublicB)
	require.Equal(t, 1500*p.Multiplier/MultiplierBase, p.ObfuscatedA)
	require.Equal(t, 30*p.Multiplier/MultiplierBase, p.ObfuscatedB)
	require.Equal(t, f.clock.Now().Unix(), p.FinalizedAt)

	avgA, avgB, err := f.svc.Averages(f.ctx, id)
	require.NoError(t, err)
	require.Equal(t, p.ObfuscatedA/3, avgA)
	require.Equal(t, p.ObfuscatedB/3, avgB)

	r, err := f.svc.Report(f.ctx, id)
	require.NoError(t, err)
	require.Equal(t, "closed", r.State)
	require.Equal(t, 3, r.Participants)
	require.Equal(t, p.ObfuscatedA, r.ObfuscatedA)

	for _, part := range participants[:3] {
		c, err := f.svc.Contribution(f.ctx, id, part)
		require.NoError(t, err)
		require.True(t, c.Refundable)
	}

	// duplicate callbacks are ignored
	require.NoError(t, f.svc.OnDecrypted(f.ctx, oracleID, req, 1, 1))
	require.Equal(t, uint64(1500), f.period(id).PublicA)

	require.Equal(t, []state.EventKind{
		state.PeriodOpened,
		state.ContributionRecorded, state.ContributionRecorded, state.ContributionRecorded,
		state.AggregationRequested,
		state.PeriodFinalized,
	}, f.kinds())
}

func TestScenarioFinalizeRefundsQueued(t *testing.T) {
	f := newFixture(t)
	f.svc.Start()
	id := f.collect()
	req := f.aggregate()
	require.NoError(t, f.svc.OnDecrypted(f.ctx, oracleID, req, 1500, 30))

	require.Eventually(t, func() bool {
		return f.book.Released() == 3*stake
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, uint64(0), f.book.Held())
	for _, part := range participants[:3] {
		require.Equal(t, balance, f.book.Balance(part))
		err := f.svc.ClaimRefund(f.ctx, part, id)
		require.ErrorIs(t, err, common.ErrRefundAlreadyProcessed)
	}
}

func TestAveragesBeforeClose(t *testing.T) {
	f := newFixture(t)
	id := f.collect()
	_, _, err := f.svc.Averages(f.ctx, id)
	require.ErrorIs(t, err, common.ErrNotFinalized)
	_, _, err = f.svc.Averages(f.ctx, id+1)
	require.ErrorIs(t, err, common.ErrPeriodNotFound)

	r, err := f.svc.Report(f.ctx, id)
	require.NoError(t, err)
	require.Zero(t, r.ObfuscatedA)
	require.Zero(t, r.AverageA)
}

func TestCallbackChecks(t *testing.T) {
	f := newFixture(t)
	id := f.collect()
	req := f.aggregate()

	err := f.svc.OnDecrypted(f.ctx, authority, req, 1500, 30)
	require.ErrorIs(t, err, common.ErrNotAuthorized)

	require.NoError(t, f.svc.OnDecrypted(f.ctx, oracleID, "unknown", 1, 1))
	require.Equal(t, state.AwaitingDecryption, f.period(id).State)
}

func TestLateCallback(t *testing.T) {
	f := newFixture(t)
	id := f.collect()
	req := f.aggregate()

	f.clock.Advance(DefaultRequestTimeout + time.Second)
	require.NoError(t, f.svc.OnDecrypted(f.ctx, oracleID, req, 1500, 30))

	p := f.period(id)
	require.Equal(t, state.AwaitingDecryption, p.State)
	require.Zero(t, p.PublicA)

	// only the timeout path resolves the period
	require.NoError(t, f.svc.OnDecrypted(f.ctx, oracleID, req, 1500, 30))
	require.NoError(t, f.svc.HandleTimeout(f.ctx, id))
	require.Equal(t, state.Failed, f.period(id).State)

	kinds := f.kinds()
	require.Equal(t, state.LateCallbackDiscarded, kinds[len(kinds)-2])
	require.Equal(t, state.PeriodFailed, kinds[len(kinds)-1])
}

func TestCallbackAtDeadline(t *testing.T) {
	f := newFixture(t)
	id := f.collect()
	req := f.aggregate()

	f.clock.Advance(DefaultRequestTimeout)
	require.NoError(t, f.svc.OnDecrypted(f.ctx, oracleID, req, 1500, 30))
	require.Equal(t, state.Closed, f.period(id).State)
}

// Scenario B
func TestScenarioTimeout(t *testing.T) {
	f := newFixture(t)
	id := f.collect()
	f.aggregate()

	require.ErrorIs(t, f.svc.HandleTimeout(f.ctx, id), common.ErrTimeoutNotYetElapsed)
	f.clock.Advance(DefaultRequestTimeout)
	require.ErrorIs(t, f.svc.HandleTimeout(f.ctx, id), common.ErrTimeoutNotYetElapsed)

	err := f.svc.ClaimRefund(f.ctx, participants[0], id)
	require.ErrorIs(t, err, common.ErrRefundUnavailable)

	f.clock.Advance(time.Second)
	require.NoError(t, f.svc.HandleTimeout(f.ctx, id))
	require.ErrorIs(t, f.svc.HandleTimeout(f.ctx, id), common.ErrAlreadyClosed)
	require.Equal(t, state.Failed, f.period(id).State)

	_, _, err = f.svc.Averages(f.ctx, id)
	require.ErrorIs(t, err, common.ErrNotFinalized)

	for _, part := range participants[:3] {
		require.NoError(t, f.svc.ClaimRefund(f.ctx, part, id))
		require.Equal(t, balance, f.book.Balance(part))
	}
	err = f.svc.ClaimRefund(f.ctx, participants[0], id)
	require.ErrorIs(t, err, common.ErrRefundAlreadyProcessed)
	err = f.svc.ClaimRefund(f.ctx, participants[3], id)
	require.ErrorIs(t, err, common.ErrRefundUnavailable)

	require.Equal(t, 3*stake, f.book.Released())
	require.Equal(t, uint64(0), f.book.Held())

	// the next period can open once the failed one is over
	next, err := f.svc.OpenPeriod(f.ctx, participants[0])
	require.NoError(t, err)
	require.Equal(t, id+1, next)
}

func TestHandleTimeoutErrors(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.svc.HandleTimeout(f.ctx, 1), common.ErrPeriodNotFound)
	id := f.collect()
	require.ErrorIs(t, f.svc.HandleTimeout(f.ctx, id), common.ErrTimeoutNotYetElapsed)

	req := f.aggregate()
	require.NoError(t, f.svc.OnDecrypted(f.ctx, oracleID, req, 1500, 30))
	f.clock.Advance(DefaultRequestTimeout + time.Second)
	require.ErrorIs(t, f.svc.HandleTimeout(f.ctx, id), common.ErrAlreadyClosed)
}

func TestTimeoutWatcher(t *testing.T) {
	f := newFixture(t)
	f.svc.c.noWatcher = false
	f.svc.Start()

	id := f.collect()
	f.aggregate()

	f.clock.BlockUntil(1)
	f.clock.Advance(DefaultRequestTimeout + time.Second)
	require.Eventually(t, func() bool {
		return f.period(id).State == state.Failed
	}, 5*time.Second, 10*time.Millisecond)
}

// Scenario D
func TestScenarioPause(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.OpenPeriod(f.ctx, participants[0])
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.Pause(f.ctx, participants[0]), common.ErrNotAuthorized)
	require.NoError(t, f.svc.Pause(f.ctx, pauser))

	require.ErrorIs(t, f.submit(participants[0], 500, 10), common.ErrContractPaused)
	_, err = f.svc.OpenPeriod(f.ctx, participants[0])
	require.ErrorIs(t, err, common.ErrContractPaused)
	require.ErrorIs(t, f.svc.HandleTimeout(f.ctx, 1), common.ErrContractPaused)
	require.ErrorIs(t, f.svc.ClaimRefund(f.ctx, participants[0], 1), common.ErrContractPaused)

	require.ErrorIs(t, f.svc.Unpause(f.ctx, participants[0]), common.ErrNotAuthorized)
	require.NoError(t, f.svc.Unpause(f.ctx, pauser))
	require.NoError(t, f.submit(participants[0], 500, 10))

	kinds := f.kinds()
	require.Contains(t, kinds, state.Paused)
	require.Contains(t, kinds, state.Unpaused)
}

func TestRoles(t *testing.T) {
	f := newFixture(t)
	ctx := f.ctx

	require.ErrorIs(t, f.svc.AddPauser(ctx, pauser, "0xfe11"), common.ErrNotAuthorized)
	require.ErrorIs(t, f.svc.AddPauser(ctx, authority, ""), common.ErrZeroAddress)
	require.ErrorIs(t, f.svc.AddPauser(ctx, authority, "0x000"), common.ErrZeroAddress)
	require.NoError(t, f.svc.AddPauser(ctx, authority, "0xfe11"))
	require.NoError(t, f.svc.Pause(ctx, "0xfe11"))
	require.NoError(t, f.svc.Unpause(ctx, "0xfe11"))

	require.NoError(t, f.svc.RemovePauser(ctx, authority, "0xfe11"))
	require.ErrorIs(t, f.svc.Pause(ctx, "0xfe11"), common.ErrNotAuthorized)

	require.ErrorIs(t, f.svc.TransferAuthority(ctx, authority, ""), common.ErrZeroAddress)
	require.NoError(t, f.svc.TransferAuthority(ctx, authority, "0xbea7"))
	require.ErrorIs(t, f.svc.AddPauser(ctx, authority, "0xfe11"), common.ErrNotAuthorized)

	r, err := f.svc.Roles(ctx)
	require.NoError(t, err)
	require.True(t, r.IsAuthority("0xbea7"))
	require.False(t, r.Paused)

	require.Equal(t, []state.EventKind{
		state.PauserAdded, state.Paused, state.Unpaused, state.PauserRemoved, state.AuthorityTransferred,
	}, f.kinds())
}

func TestSinks(t *testing.T) {
	f := newFixture(t)
	got := make(chan *state.Event, 16)
	f.svc.AddCallback("test", func(e *state.Event) { got <- e })
	f.svc.Start()

	id, err := f.svc.OpenPeriod(f.ctx, participants[0])
	require.NoError(t, err)
	require.NoError(t, f.submit(participants[0], 500, 10))

	for _, want := range []state.EventKind{state.PeriodOpened, state.ContributionRecorded} {
		select {
		case e := <-got:
			require.Equal(t, want, e.Kind)
			require.Equal(t, id, e.PeriodID)
		case <-time.After(5 * time.Second):
			t.Fatal("no event")
		}
	}

	f.svc.RemoveCallback("test")
	require.NoError(t, f.submit(participants[1], 500, 10))
	select {
	case e := <-got:
		t.Fatalf("unexpected event %v", e.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDriver(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan struct{})
	go func() {
		f.svc.Drive(ctx, authority)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		p, err := f.svc.Current(f.ctx)
		return err == nil && p.State == state.Open
	}, 5*time.Second, 10*time.Millisecond)
	for _, p := range participants[:3] {
		require.NoError(t, f.submit(p, 500, 10))
	}

	f.clock.BlockUntil(1)
	f.clock.Advance(time.Hour)
	require.Eventually(t, func() bool {
		return f.period(1).State == state.AwaitingDecryption
	}, 5*time.Second, 10*time.Millisecond)
}
