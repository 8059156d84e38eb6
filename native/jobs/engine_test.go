package jobs

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"jobescrow/core/events"
	"jobescrow/core/state"
	"jobescrow/native/ledger"
	"jobescrow/storage"
)

const testCurrency = "FAKE"

var (
	client   = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	worker   = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000e3")
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000ad")

	testRate  = uint256.NewInt(200_000_000_000)
	testOnTop = uint256.NewInt(1_000_000_000)
)

const testEstimate uint64 = 240

type testGates struct {
	mu          sync.Mutex
	serviceMode bool
	approved    map[uint64]bool
	unskilled   map[common.Address]bool
	currencies  map[string]bool
	admins      map[common.Address]bool
}

func newTestGates() *testGates {
	return &testGates{
		approved:   make(map[uint64]bool),
		unskilled:  make(map[common.Address]bool),
		currencies: map[string]bool{testCurrency: true},
		admins:     map[common.Address]bool{admin: true},
	}
}

func (g *testGates) CanCall(caller common.Address, target, _ string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return target == AuthorizationTarget && g.admins[caller]
}

func (g *testGates) IsServiceModeEnabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.serviceMode
}

func (g *testGates) IsApproved(jobID uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.approved[jobID]
}

func (g *testGates) HasSkills(w common.Address, _, _, _ uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.unskilled[w]
}

func (g *testGates) IsSupported(cur string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currencies[cur]
}

type harness struct {
	t      *testing.T
	mgr    *state.Manager
	engine *Engine
	gates  *testGates
	rec    *events.Recorder
	clock  int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		mgr:   state.NewManager(storage.NewMemDB()),
		gates: newTestGates(),
		rec:   &events.Recorder{},
		clock: 1_700_000_000,
	}
	h.engine = NewEngine(h.mgr, Config{
		Authorization: h.gates,
		Payments:      h.gates,
		Skills:        h.gates,
		Currencies:    h.gates,
		Emitter:       h.rec,
	})
	h.engine.SetNowFunc(func() int64 { return h.clock })
	funds, err := uint256.FromHex("0xfffffffffffffffffff")
	require.NoError(t, err)
	require.NoError(t, h.engine.Deposit(client, testCurrency, funds))
	return h
}

func (h *harness) advanceMinutes(minutes int64) { h.clock += minutes * 60 }

func (h *harness) balance(owner ledger.Owner) *uint256.Int {
	h.t.Helper()
	bal, err := h.engine.BalanceOf(owner, testCurrency)
	require.NoError(h.t, err)
	return bal
}

func (h *harness) state(id uint64) JobState {
	h.t.Helper()
	st, err := h.engine.GetJobState(id)
	require.NoError(h.t, err)
	return st
}

func (h *harness) postJob() uint64 {
	h.t.Helper()
	id, err := h.engine.PostJob(client, 4, 4, 4, "Job details")
	require.NoError(h.t, err)
	return id
}

func (h *harness) acceptedJob(rate *uint256.Int, estimate uint64, onTop *uint256.Int) uint64 {
	h.t.Helper()
	id := h.postJob()
	require.NoError(h.t, h.engine.PostJobOffer(worker, id, testCurrency, rate, estimate, onTop))
	require.NoError(h.t, h.engine.AcceptOffer(client, id, worker))
	return id
}

func (h *harness) startedJob(rate *uint256.Int, estimate uint64, onTop *uint256.Int) uint64 {
	h.t.Helper()
	id := h.acceptedJob(rate, estimate, onTop)
	require.NoError(h.t, h.engine.StartWork(worker, id))
	require.NoError(h.t, h.engine.ConfirmStartWork(client, id))
	return id
}

func (h *harness) finish(id uint64) {
	h.t.Helper()
	require.NoError(h.t, h.engine.EndWork(worker, id))
	require.NoError(h.t, h.engine.ConfirmEndWork(client, id))
}

func mustLock(t *testing.T, rate *uint256.Int, estimate uint64, onTop *uint256.Int) *uint256.Int {
	t.Helper()
	lock, err := LockAmount(rate, estimate, onTop)
	require.NoError(t, err)
	return lock
}

func mul(rate *uint256.Int, minutes uint64) *uint256.Int {
	return new(uint256.Int).Mul(rate, uint256.NewInt(minutes))
}

func add(a, b *uint256.Int) *uint256.Int { return new(uint256.Int).Add(a, b) }

func sub(a, b *uint256.Int) *uint256.Int { return new(uint256.Int).Sub(a, b) }

func TestPostJobValidatesSkillMasks(t *testing.T) {
	cases := []struct {
		name                   string
		area, category, skills uint64
		ok                     bool
	}{
		{name: "even area", area: 2, category: 4, skills: 555},
		{name: "multiple area", area: 5, category: 4, skills: 555},
		{name: "even category", area: 1, category: 2, skills: 555},
		{name: "multiple category", area: 1, category: 5, skills: 555},
		{name: "no skills", area: 1, category: 4, skills: 0},
		{name: "single flags", area: 4, category: 4, skills: 4, ok: true},
		{name: "lowest flags", area: 1, category: 1, skills: 1, ok: true},
		{name: "higher area", area: 16, category: 1, skills: 1, ok: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			id, err := h.engine.PostJob(client, tc.area, tc.category, tc.skills, "Job details")
			if !tc.ok {
				require.ErrorIs(t, err, ErrInvalidSkillMask)
				require.True(t, IsRejection(err))
				require.Zero(t, id)
				count, err := h.engine.JobsCount()
				require.NoError(t, err)
				require.Zero(t, count)
				require.Empty(t, h.rec.Events())
				return
			}
			require.NoError(t, err)
			require.Equal(t, uint64(1), id)
			require.Equal(t, JobStateCreated, h.state(id))
		})
	}
}

func TestPostJobAnyCallerSequentialIDs(t *testing.T) {
	h := newHarness(t)
	for i, caller := range []common.Address{client, worker, stranger} {
		id, err := h.engine.PostJob(caller, 4, 4, 4, "Job details")
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), id)
		job, err := h.engine.Job(id)
		require.NoError(t, err)
		require.Equal(t, caller, job.Client)
	}
	count, err := h.engine.JobsCount()
	require.NoError(t, err)
	require.Equal(t, uint64(3), count)

	_, err = h.engine.PostJob(common.Address{}, 4, 4, 4, "")
	require.ErrorIs(t, err, ErrInvalidCaller)
}

func TestPostJobOfferRejections(t *testing.T) {
	boundaryRate, err := uint256.FromHex("0x1D1745D1745D1745D1745D1745D1745D1745D1745D1745D1745D1745D1745D1")
	require.NoError(t, err)

	cases := []struct {
		name     string
		prepare  func(*harness)
		currency string
		rate     *uint256.Int
		estimate uint64
		onTop    *uint256.Int
		want     error
	}{
		{name: "unsupported currency", currency: "OTHER", rate: uint256.NewInt(1000), estimate: 180, onTop: uint256.NewInt(1000), want: ErrUnsupportedCurrency},
		{name: "malformed currency", currency: "??", rate: uint256.NewInt(1000), estimate: 180, onTop: uint256.NewInt(1000), want: ErrUnsupportedCurrency},
		{name: "zero rate", currency: testCurrency, rate: uint256.NewInt(0), estimate: 180, onTop: uint256.NewInt(1000), want: ErrInvalidTerms},
		{name: "nil rate", currency: testCurrency, estimate: 180, onTop: uint256.NewInt(1000), want: ErrInvalidTerms},
		{name: "zero estimate", currency: testCurrency, rate: uint256.NewInt(1000), estimate: 0, onTop: uint256.NewInt(1000), want: ErrInvalidTerms},
		{name: "lock overflow", currency: testCurrency, rate: boundaryRate, estimate: 68, onTop: uint256.NewInt(60), want: ErrLockOverflow},
		{name: "lock overflow by one", currency: testCurrency, rate: boundaryRate, estimate: 68, onTop: uint256.NewInt(58), want: ErrLockOverflow},
		{name: "lock at boundary", currency: testCurrency, rate: boundaryRate, estimate: 68, onTop: uint256.NewInt(57)},
		{name: "no on-top", currency: testCurrency, rate: uint256.MustFromHex("0xfffffffffffffffffff"), estimate: 1, onTop: uint256.NewInt(0)},
		{name: "lower-case currency", currency: "fake", rate: uint256.NewInt(1000), estimate: 180, onTop: uint256.NewInt(1000)},
		{
			name:     "skills mismatch",
			prepare:  func(h *harness) { h.gates.unskilled[worker] = true },
			currency: testCurrency, rate: uint256.NewInt(1000), estimate: 180, onTop: uint256.NewInt(1000),
			want: ErrSkillsMismatch,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			if tc.prepare != nil {
				tc.prepare(h)
			}
			id := h.postJob()
			h.rec.Reset()
			err := h.engine.PostJobOffer(worker, id, tc.currency, tc.rate, tc.estimate, tc.onTop)
			if tc.want == nil {
				require.NoError(t, err)
				offer, err := h.engine.Offer(id, worker)
				require.NoError(t, err)
				require.Equal(t, testCurrency, offer.Currency)
				require.Equal(t, []string{EventTypeOfferPosted}, h.rec.Types())
				return
			}
			require.ErrorIs(t, err, tc.want)
			require.True(t, IsRejection(err))
			require.False(t, IsFatal(err))
			_, err = h.engine.Offer(id, worker)
			require.ErrorIs(t, err, ErrOfferNotFound)
			require.Empty(t, h.rec.Events())
		})
	}
}

func TestPostJobOfferOverwritesAndLists(t *testing.T) {
	h := newHarness(t)
	id := h.postJob()
	require.NoError(t, h.engine.PostJobOffer(worker, id, testCurrency, uint256.NewInt(10), 60, uint256.NewInt(1)))
	require.NoError(t, h.engine.PostJobOffer(worker, id, testCurrency, uint256.NewInt(20), 90, uint256.NewInt(2)))
	require.NoError(t, h.engine.PostJobOffer(stranger, id, testCurrency, uint256.NewInt(30), 30, uint256.NewInt(3)))

	offers, err := h.engine.Offers(id)
	require.NoError(t, err)
	require.Len(t, offers, 2)
	byWorker := map[common.Address]*Offer{}
	for _, o := range offers {
		byWorker[o.Worker] = o
	}
	require.Equal(t, uint64(20), byWorker[worker].Rate.Uint64())
	require.Equal(t, uint64(90), byWorker[worker].Estimate)
	require.Equal(t, uint64(30), byWorker[stranger].Rate.Uint64())

	_, err = h.engine.Offers(99)
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestAcceptOfferLocksWorstCaseAmount(t *testing.T) {
	h := newHarness(t)
	before := h.balance(ledger.UserOwner(client))
	id := h.acceptedJob(testRate, testEstimate, testOnTop)

	lock := uint256.NewInt(66_001_100_000_000)
	require.Equal(t, lock, mustLock(t, testRate, testEstimate, testOnTop))
	require.Equal(t, lock, h.balance(ledger.EscrowOwner(id)))
	require.Equal(t, sub(before, lock), h.balance(ledger.UserOwner(client)))

	job, err := h.engine.Job(id)
	require.NoError(t, err)
	require.Equal(t, JobStateAccepted, job.State)
	require.Equal(t, worker, job.Worker)
	require.Equal(t, testEstimate, job.Estimate)
	require.Equal(t, lock, job.LockedAmount)
}

func TestAcceptOfferRejections(t *testing.T) {
	h := newHarness(t)
	id := h.postJob()

	require.ErrorIs(t, h.engine.AcceptOffer(client, id, worker), ErrOfferNotFound)
	require.NoError(t, h.engine.PostJobOffer(worker, id, testCurrency, testRate, testEstimate, testOnTop))
	require.ErrorIs(t, h.engine.AcceptOffer(stranger, id, worker), ErrUnauthorizedCaller)
	require.ErrorIs(t, h.engine.AcceptOffer(client, id+1, worker), ErrJobNotFound)
	require.Equal(t, JobStateCreated, h.state(id))
}

func TestAcceptOfferFatalFailuresLeaveNoTrace(t *testing.T) {
	t.Run("insufficient funds", func(t *testing.T) {
		h := newHarness(t)
		id := h.postJob()
		huge := uint256.MustFromHex("0xfffffffffffffffffff")
		require.NoError(t, h.engine.PostJobOffer(worker, id, testCurrency, huge, 180, huge))
		before := h.balance(ledger.UserOwner(client))

		err := h.engine.AcceptOffer(client, id, worker)
		require.ErrorIs(t, err, ErrInsufficientFunds)
		require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
		require.True(t, IsFatal(err))
		require.Equal(t, JobStateCreated, h.state(id))
		require.Equal(t, before, h.balance(ledger.UserOwner(client)))
		require.True(t, h.balance(ledger.EscrowOwner(id)).IsZero())
	})

	t.Run("payment gate denial", func(t *testing.T) {
		h := newHarness(t)
		h.gates.serviceMode = true
		id := h.postJob()
		require.NoError(t, h.engine.PostJobOffer(worker, id, testCurrency, testRate, testEstimate, testOnTop))

		err := h.engine.AcceptOffer(client, id, worker)
		require.ErrorIs(t, err, ErrPaymentNotAllowed)
		require.True(t, IsFatal(err))
		require.Equal(t, JobStateCreated, h.state(id))

		h.gates.approved[id] = true
		require.NoError(t, h.engine.AcceptOffer(client, id, worker))
		require.Equal(t, JobStateAccepted, h.state(id))
	})
}

func TestWorkflowRejectsStrangers(t *testing.T) {
	h := newHarness(t)
	id := h.postJob()
	require.NoError(t, h.engine.PostJobOffer(worker, id, testCurrency, testRate, 180, testOnTop))

	require.ErrorIs(t, h.engine.AcceptOffer(stranger, id, worker), ErrUnauthorizedCaller)
	require.NoError(t, h.engine.AcceptOffer(client, id, worker))
	require.ErrorIs(t, h.engine.CancelJob(stranger, id), ErrUnauthorizedCaller)

	require.ErrorIs(t, h.engine.StartWork(stranger, id), ErrUnauthorizedCaller)
	require.ErrorIs(t, h.engine.StartWork(client, id), ErrUnauthorizedCaller)
	require.NoError(t, h.engine.StartWork(worker, id))
	require.ErrorIs(t, h.engine.CancelJob(stranger, id), ErrUnauthorizedCaller)

	require.ErrorIs(t, h.engine.ConfirmStartWork(stranger, id), ErrUnauthorizedCaller)
	require.ErrorIs(t, h.engine.ConfirmStartWork(worker, id), ErrUnauthorizedCaller)
	require.NoError(t, h.engine.ConfirmStartWork(client, id))

	require.ErrorIs(t, h.engine.PauseWork(stranger, id), ErrUnauthorizedCaller)
	require.NoError(t, h.engine.PauseWork(worker, id))
	require.ErrorIs(t, h.engine.ResumeWork(stranger, id), ErrUnauthorizedCaller)
	require.NoError(t, h.engine.ResumeWork(worker, id))

	require.ErrorIs(t, h.engine.AddMoreTime(stranger, id, 60), ErrUnauthorizedCaller)
	require.ErrorIs(t, h.engine.AddMoreTime(worker, id, 60), ErrUnauthorizedCaller)
	require.NoError(t, h.engine.AddMoreTime(client, id, 60))

	require.ErrorIs(t, h.engine.EndWork(stranger, id), ErrUnauthorizedCaller)
	require.NoError(t, h.engine.EndWork(worker, id))
	require.ErrorIs(t, h.engine.CancelJob(stranger, id), ErrUnauthorizedCaller)

	require.ErrorIs(t, h.engine.ConfirmEndWork(stranger, id), ErrUnauthorizedCaller)
	require.NoError(t, h.engine.ConfirmEndWork(client, id))

	require.NoError(t, h.engine.ReleasePayment(stranger, id))
	require.Equal(t, JobStateFinalized, h.state(id))
}

// stages drive a fresh job to each lifecycle state in order.
var stages = []struct {
	state JobState
	step  func(*harness, uint64) error
}{
	{JobStateCreated, nil},
	{JobStateAccepted, func(h *harness, id uint64) error {
		if err := h.engine.PostJobOffer(worker, id, testCurrency, testRate, testEstimate, testOnTop); err != nil {
			return err
		}
		return h.engine.AcceptOffer(client, id, worker)
	}},
	{JobStatePendingStart, func(h *harness, id uint64) error { return h.engine.StartWork(worker, id) }},
	{JobStateStarted, func(h *harness, id uint64) error { return h.engine.ConfirmStartWork(client, id) }},
	{JobStatePendingFinish, func(h *harness, id uint64) error { return h.engine.EndWork(worker, id) }},
	{JobStateFinished, func(h *harness, id uint64) error { return h.engine.ConfirmEndWork(client, id) }},
	{JobStateFinalized, func(h *harness, id uint64) error { return h.engine.ReleasePayment(stranger, id) }},
}

func TestOperationsOnlyAtDesignatedStates(t *testing.T) {
	ops := []struct {
		name    string
		allowed map[JobState]bool
		call    func(*Engine, uint64) error
	}{
		{"postJobOffer", map[JobState]bool{JobStateCreated: true}, func(e *Engine, id uint64) error {
			return e.PostJobOffer(stranger, id, testCurrency, testRate, 180, testOnTop)
		}},
		{"startWork", map[JobState]bool{JobStateAccepted: true}, func(e *Engine, id uint64) error { return e.StartWork(worker, id) }},
		{"confirmStartWork", map[JobState]bool{JobStatePendingStart: true}, func(e *Engine, id uint64) error { return e.ConfirmStartWork(client, id) }},
		{"pauseWork", map[JobState]bool{JobStateStarted: true}, func(e *Engine, id uint64) error { return e.PauseWork(worker, id) }},
		{"addMoreTime", map[JobState]bool{JobStateStarted: true}, func(e *Engine, id uint64) error { return e.AddMoreTime(client, id, 30) }},
		{"endWork", map[JobState]bool{JobStateStarted: true}, func(e *Engine, id uint64) error { return e.EndWork(worker, id) }},
		{"confirmEndWork", map[JobState]bool{JobStatePendingFinish: true}, func(e *Engine, id uint64) error { return e.ConfirmEndWork(client, id) }},
		{"releasePayment", map[JobState]bool{JobStateFinished: true}, func(e *Engine, id uint64) error { return e.ReleasePayment(stranger, id) }},
		{"cancelJob", map[JobState]bool{
			JobStateAccepted: true, JobStatePendingStart: true, JobStateStarted: true, JobStatePendingFinish: true,
		}, func(e *Engine, id uint64) error { return e.CancelJob(client, id) }},
	}
	for _, op := range ops {
		for i, stage := range stages {
			t.Run(op.name+"/"+stage.state.String(), func(t *testing.T) {
				h := newHarness(t)
				id := h.postJob()
				for _, s := range stages[1 : i+1] {
					require.NoError(t, s.step(h, id))
				}
				require.Equal(t, stage.state, h.state(id))
				clientBefore := h.balance(ledger.UserOwner(client))

				err := op.call(h.engine, id)
				if op.allowed[stage.state] {
					require.NoError(t, err)
					return
				}
				require.ErrorIs(t, err, ErrRejected)
				require.Equal(t, stage.state, h.state(id))
				require.Equal(t, clientBefore, h.balance(ledger.UserOwner(client)))
			})
		}
	}
}

func TestPauseAndResumeMisuse(t *testing.T) {
	h := newHarness(t)
	id := h.startedJob(testRate, testEstimate, testOnTop)

	require.ErrorIs(t, h.engine.ResumeWork(worker, id), ErrNotPaused)
	require.NoError(t, h.engine.PauseWork(worker, id))
	require.ErrorIs(t, h.engine.PauseWork(worker, id), ErrAlreadyPaused)
	require.NoError(t, h.engine.ResumeWork(worker, id))
	require.ErrorIs(t, h.engine.ResumeWork(worker, id), ErrNotPaused)
}

func TestReleasePaymentBillsWorkedMinutes(t *testing.T) {
	cases := []struct {
		name    string
		minutes int64
		billed  uint64
	}{
		{name: "exact estimate", minutes: 240, billed: 240},
		{name: "under estimate", minutes: 183, billed: 183},
		{name: "within grace", minutes: 299, billed: 299},
		{name: "beyond grace is capped", minutes: 340, billed: 300},
		{name: "short job billed an hour", minutes: 17, billed: 60},
		{name: "two hours over", minutes: 360, billed: 300},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			clientBefore := h.balance(ledger.UserOwner(client))
			id := h.startedJob(testRate, testEstimate, testOnTop)
			h.advanceMinutes(tc.minutes)
			h.finish(id)
			require.NoError(t, h.engine.ReleasePayment(stranger, id))

			payable := add(mul(testRate, tc.billed), testOnTop)
			require.Equal(t, payable, h.balance(ledger.UserOwner(worker)))
			require.Equal(t, sub(clientBefore, payable), h.balance(ledger.UserOwner(client)))
			require.True(t, h.balance(ledger.EscrowOwner(id)).IsZero())
			require.Equal(t, JobStateFinalized, h.state(id))
		})
	}
}

func TestReleaseUsesCompletionTimeNotReleaseTime(t *testing.T) {
	h := newHarness(t)
	id := h.startedJob(testRate, testEstimate, testOnTop)
	h.advanceMinutes(120)
	h.finish(id)
	h.advanceMinutes(600)
	require.NoError(t, h.engine.ReleasePayment(client, id))
	require.Equal(t, add(mul(testRate, 120), testOnTop), h.balance(ledger.UserOwner(worker)))
}

func TestPausedTimeIsNotBilled(t *testing.T) {
	paid := func(pause bool) *uint256.Int {
		h := newHarness(t)
		id := h.startedJob(testRate, testEstimate, testOnTop)
		h.advanceMinutes(90)
		if pause {
			require.NoError(t, h.engine.PauseWork(worker, id))
			h.advanceMinutes(30)
			require.NoError(t, h.engine.ResumeWork(worker, id))
		}
		h.advanceMinutes(90)
		h.finish(id)
		require.NoError(t, h.engine.ReleasePayment(stranger, id))
		return h.balance(ledger.UserOwner(worker))
	}
	require.Equal(t, paid(false), paid(true))
	require.Equal(t, add(mul(testRate, 180), testOnTop), paid(true))
}

func TestEndWorkWhilePausedClosesPause(t *testing.T) {
	h := newHarness(t)
	id := h.startedJob(testRate, testEstimate, testOnTop)
	h.advanceMinutes(100)
	require.NoError(t, h.engine.PauseWork(worker, id))
	h.advanceMinutes(500)
	h.finish(id)

	job, err := h.engine.Job(id)
	require.NoError(t, err)
	require.False(t, job.Paused)
	require.Equal(t, uint64(500*60), job.PausedSeconds)

	require.NoError(t, h.engine.ReleasePayment(stranger, id))
	require.Equal(t, add(mul(testRate, 100), testOnTop), h.balance(ledger.UserOwner(worker)))
}

func TestAddMoreTimeLocksAndExtendsCap(t *testing.T) {
	h := newHarness(t)
	id := h.startedJob(testRate, testEstimate, testOnTop)
	lock := mustLock(t, testRate, testEstimate, testOnTop)

	require.ErrorIs(t, h.engine.AddMoreTime(client, id, 0), ErrZeroMinutes)
	require.NoError(t, h.engine.AddMoreTime(client, id, 60))

	locked := add(lock, mul(testRate, 60))
	require.Equal(t, locked, h.balance(ledger.EscrowOwner(id)))
	job, err := h.engine.Job(id)
	require.NoError(t, err)
	require.Equal(t, uint64(60), job.AddedMinutes)
	require.Equal(t, locked, job.LockedAmount)

	h.advanceMinutes(1000)
	h.finish(id)
	clientBefore := h.balance(ledger.UserOwner(client))
	require.NoError(t, h.engine.ReleasePayment(stranger, id))

	payable := add(mul(testRate, 360), testOnTop)
	require.Equal(t, payable, h.balance(ledger.UserOwner(worker)))
	require.Equal(t, add(clientBefore, sub(locked, payable)), h.balance(ledger.UserOwner(client)))
}

func TestAddMoreTimeFatalFailures(t *testing.T) {
	t.Run("insufficient funds", func(t *testing.T) {
		h := newHarness(t)
		rate := uint256.MustFromHex("0xffffffffffffffff")
		id := h.postJob()
		require.NoError(t, h.engine.PostJobOffer(worker, id, testCurrency, rate, 60, uint256.NewInt(0)))
		require.NoError(t, h.engine.AcceptOffer(client, id, worker))
		require.NoError(t, h.engine.StartWork(worker, id))
		require.NoError(t, h.engine.ConfirmStartWork(client, id))

		rest := h.balance(ledger.UserOwner(client))
		require.NoError(t, h.engine.Withdraw(client, testCurrency, rest))
		escrowBefore := h.balance(ledger.EscrowOwner(id))

		err := h.engine.AddMoreTime(client, id, 65535)
		require.ErrorIs(t, err, ErrInsufficientFunds)
		require.True(t, IsFatal(err))
		require.Equal(t, escrowBefore, h.balance(ledger.EscrowOwner(id)))
		job, err := h.engine.Job(id)
		require.NoError(t, err)
		require.Zero(t, job.AddedMinutes)
	})

	t.Run("payment gate denial", func(t *testing.T) {
		h := newHarness(t)
		id := h.startedJob(testRate, testEstimate, testOnTop)
		h.gates.serviceMode = true
		err := h.engine.AddMoreTime(client, id, 60)
		require.ErrorIs(t, err, ErrPaymentNotAllowed)
		require.True(t, IsFatal(err))
	})
}

func TestCancellationPolicy(t *testing.T) {
	flatHour := add(mul(testRate, 60), testOnTop)
	cases := []struct {
		stage  int
		worker *uint256.Int
	}{
		{stage: 1, worker: testOnTop},
		{stage: 2, worker: testOnTop},
		{stage: 3, worker: flatHour},
		{stage: 4, worker: flatHour},
	}
	for _, tc := range cases {
		st := stages[tc.stage].state
		t.Run(st.String(), func(t *testing.T) {
			h := newHarness(t)
			clientBefore := h.balance(ledger.UserOwner(client))
			id := h.postJob()
			for _, s := range stages[1 : tc.stage+1] {
				require.NoError(t, s.step(h, id))
				h.advanceMinutes(200)
			}
			require.NoError(t, h.engine.CancelJob(client, id))

			require.Equal(t, JobStateCancelled, h.state(id))
			require.Equal(t, tc.worker, h.balance(ledger.UserOwner(worker)))
			require.Equal(t, sub(clientBefore, tc.worker), h.balance(ledger.UserOwner(client)))
			require.True(t, h.balance(ledger.EscrowOwner(id)).IsZero())
		})
	}
}

func TestCancelFinishedJobRejected(t *testing.T) {
	h := newHarness(t)
	id := h.startedJob(testRate, testEstimate, testOnTop)
	h.finish(id)
	require.Equal(t, JobStateFinished, h.state(id))
	require.ErrorIs(t, h.engine.CancelJob(client, id), ErrInvalidState)
}

func TestCancelRequiresPaymentApprovalInServiceMode(t *testing.T) {
	h := newHarness(t)
	id := h.acceptedJob(testRate, testEstimate, testOnTop)
	h.gates.serviceMode = true
	require.ErrorIs(t, h.engine.CancelJob(client, id), ErrPaymentNotAllowed)
	h.gates.approved[id] = true
	require.NoError(t, h.engine.CancelJob(client, id))
}

func TestReleaseRequiresPaymentApprovalInServiceMode(t *testing.T) {
	h := newHarness(t)
	id := h.startedJob(testRate, testEstimate, testOnTop)
	h.finish(id)
	h.gates.serviceMode = true
	err := h.engine.ReleasePayment(stranger, id)
	require.ErrorIs(t, err, ErrPaymentNotAllowed)
	require.Equal(t, JobStateFinished, h.state(id))
	h.gates.approved[id] = true
	require.NoError(t, h.engine.ReleasePayment(stranger, id))
}

func TestEscrowBalanceTracksLockedAmount(t *testing.T) {
	h := newHarness(t)
	id := h.startedJob(testRate, testEstimate, testOnTop)
	check := func() {
		job, err := h.engine.Job(id)
		require.NoError(t, err)
		require.Equal(t, job.LockedAmount, h.balance(ledger.EscrowOwner(id)))
	}
	check()
	require.NoError(t, h.engine.AddMoreTime(client, id, 15))
	check()
	require.NoError(t, h.engine.PauseWork(worker, id))
	check()
	require.NoError(t, h.engine.ResumeWork(worker, id))
	require.NoError(t, h.engine.AddMoreTime(client, id, 45))
	check()
	h.finish(id)
	check()
}

func TestCompletedWorkflowEmitsEvents(t *testing.T) {
	h := newHarness(t)
	id := h.postJob()
	require.NoError(t, h.engine.PostJobOffer(worker, id, testCurrency, testRate, testEstimate, testOnTop))
	require.NoError(t, h.engine.AcceptOffer(client, id, worker))
	require.NoError(t, h.engine.StartWork(worker, id))
	require.NoError(t, h.engine.ConfirmStartWork(client, id))
	require.NoError(t, h.engine.PauseWork(worker, id))
	require.NoError(t, h.engine.ResumeWork(worker, id))
	require.NoError(t, h.engine.AddMoreTime(client, id, 60))
	require.NoError(t, h.engine.EndWork(worker, id))
	require.NoError(t, h.engine.ConfirmEndWork(client, id))
	require.NoError(t, h.engine.ReleasePayment(stranger, id))

	require.Equal(t, []string{
		EventTypeJobPosted,
		EventTypeOfferPosted,
		EventTypeOfferAccepted,
		EventTypeWorkStarted,
		EventTypeWorkPaused,
		EventTypeWorkResumed,
		EventTypeTimeAdded,
		EventTypeWorkFinished,
		EventTypePaymentReleased,
	}, h.rec.Types())

	recorded := h.rec.Events()
	posted := recorded[0].(events.Payload).Event()
	require.Equal(t, "1", posted.Attr("jobId"))
	require.Equal(t, "4", posted.Attr("area"))
	offer := recorded[1].(events.Payload).Event()
	require.Equal(t, testRate.Dec(), offer.Attr("rate"))
	require.Equal(t, "240", offer.Attr("estimate"))
	added := recorded[6].(events.Payload).Event()
	require.Equal(t, "60", added.Attr("minutes"))
}

func TestCancelledWorkflowEmitsEvents(t *testing.T) {
	h := newHarness(t)
	id := h.startedJob(testRate, testEstimate, testOnTop)
	require.NoError(t, h.engine.CancelJob(client, id))
	require.Equal(t, []string{
		EventTypeJobPosted,
		EventTypeOfferPosted,
		EventTypeOfferAccepted,
		EventTypeWorkStarted,
		EventTypeJobCancelled,
	}, h.rec.Types())
	cancelled := h.rec.Events()[4].(events.Payload).Event()
	require.Equal(t, add(mul(testRate, 60), testOnTop).Dec(), cancelled.Attr("payment"))
}

func TestEmitterFailureDoesNotRollBack(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.SetEmitter(admin, events.EmitterFunc(func(events.Event) {
		panic("audit sink unavailable")
	})))
	id, err := h.engine.PostJob(client, 4, 4, 4, "")
	require.NoError(t, err)
	require.Equal(t, JobStateCreated, h.state(id))
}

func TestAdminSettersRequireAuthorization(t *testing.T) {
	h := newHarness(t)
	denied := []error{
		h.engine.SetPaymentGate(stranger, nil),
		h.engine.SetSkillLookup(stranger, nil),
		h.engine.SetCurrencyRegistry(stranger, nil),
		h.engine.SetEmitter(stranger, nil),
	}
	for _, err := range denied {
		require.ErrorIs(t, err, ErrAccessDenied)
		require.True(t, IsFatal(err))
	}

	require.NoError(t, h.engine.SetCurrencyRegistry(admin, nil))
	id := h.postJob()
	err := h.engine.PostJobOffer(worker, id, testCurrency, testRate, testEstimate, testOnTop)
	require.ErrorIs(t, err, ErrUnsupportedCurrency)
}

func TestWorkflowAuthorizationGatesOperations(t *testing.T) {
	mgr := state.NewManager(storage.NewMemDB())
	gates := newTestGates()
	engine := NewEngine(mgr, Config{
		Authorization:         AuthorizationFunc(func(caller common.Address, _, op string) bool { return op != OpPostJob || caller == client }),
		Payments:              gates,
		Skills:                gates,
		Currencies:            gates,
		WorkflowAuthorization: true,
	})
	_, err := engine.PostJob(stranger, 4, 4, 4, "")
	require.ErrorIs(t, err, ErrAccessDenied)
	require.True(t, IsFatal(err))
	id, err := engine.PostJob(client, 4, 4, 4, "")
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)
}

func TestEndToEndScenario(t *testing.T) {
	h := newHarness(t)
	clientBefore := h.balance(ledger.UserOwner(client))
	workerBefore := h.balance(ledger.UserOwner(worker))

	id, err := h.engine.PostJob(client, 4, 4, 4, "Job details")
	require.NoError(t, err)
	require.NoError(t, h.engine.PostJobOffer(worker, id, testCurrency, uint256.NewInt(200000000000), 240, uint256.NewInt(1000000000)))
	require.NoError(t, h.engine.AcceptOffer(client, id, worker))
	require.NoError(t, h.engine.StartWork(worker, id))
	require.NoError(t, h.engine.ConfirmStartWork(client, id))
	h.advanceMinutes(240)
	require.NoError(t, h.engine.EndWork(worker, id))
	require.NoError(t, h.engine.ConfirmEndWork(client, id))
	require.NoError(t, h.engine.ReleasePayment(stranger, id))

	expected := uint256.NewInt(200000000000*240 + 1000000000)
	require.Equal(t, add(workerBefore, expected), h.balance(ledger.UserOwner(worker)))
	require.Equal(t, sub(clientBefore, expected), h.balance(ledger.UserOwner(client)))
	require.True(t, h.balance(ledger.EscrowOwner(id)).IsZero())
	require.Equal(t, JobStateFinalized, h.state(id))
}

func TestGetJobStateUnknownJob(t *testing.T) {
	h := newHarness(t)
	st, err := h.engine.GetJobState(42)
	require.ErrorIs(t, err, ErrJobNotFound)
	require.Equal(t, JobStateUnknown, st)
	require.False(t, errors.Is(err, ErrFatal))
}

type outcomeLog struct {
	mu      sync.Mutex
	entries []string
}

func (o *outcomeLog) ObserveOperation(op, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, op+":"+outcome)
}

func TestObserverReceivesOutcomes(t *testing.T) {
	gates := newTestGates()
	log := &outcomeLog{}
	engine := NewEngine(state.NewManager(storage.NewMemDB()), Config{
		Authorization: gates,
		Payments:      gates,
		Skills:        gates,
		Currencies:    gates,
		Observer:      log,
	})

	_, err := engine.PostJob(client, 4, 4, 4, "ok")
	require.NoError(t, err)
	_, err = engine.PostJob(client, 2, 4, 4, "bad area")
	require.ErrorIs(t, err, ErrRejected)
	err = engine.PostJobOffer(worker, 1, testCurrency, testRate, testEstimate, testOnTop)
	require.NoError(t, err)
	err = engine.AcceptOffer(client, 1, worker)
	require.ErrorIs(t, err, ErrFatal)

	require.Equal(t, []string{
		OpPostJob + ":applied",
		OpPostJob + ":rejected",
		OpPostJobOffer + ":applied",
		OpAcceptOffer + ":fatal",
	}, log.entries)
}
