package redemption

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiosk-hub/internal/apperr"
	"kiosk-hub/internal/config"
	"kiosk-hub/internal/db/dbtest"
	"kiosk-hub/internal/model"
	"kiosk-hub/internal/notify"
	"kiosk-hub/internal/store"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []notify.Job
}

func (d *recordingDispatcher) Dispatch(job notify.Job) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return true
}

func (d *recordingDispatcher) byEvent(event string) []notify.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []notify.Job
	for _, j := range d.jobs {
		if j.Event == event {
			out = append(out, j)
		}
	}
	return out
}

type fixture struct {
	q      *Queue
	store  *store.Store
	events *recordingDispatcher
	now    time.Time
}

func newFixture(t *testing.T, primary string) *fixture {
	t.Helper()
	st := store.New(dbtest.Open(t))
	d := &recordingDispatcher{}
	q := NewQueue(st, d, Config{
		PrimaryMachineID: primary,
		PageSize:         20,
		Rewards:          config.Defaults().Redemption.Rewards,
	}, nil)
	f := &fixture{q: q, store: st, events: d, now: time.Date(2025, 11, 24, 15, 0, 0, 0, time.UTC)}
	q.now = func() time.Time {
		f.now = f.now.Add(time.Second)
		return f.now
	}
	return f
}

func (f *fixture) seedUser(t *testing.T, id string, points int64) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.EnsureUser(ctx, id, id, time.Now())
	require.NoError(t, err)
	_, err = f.store.AdjustPoints(ctx, id, points, time.Now())
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, id string) int64 {
	t.Helper()
	u, err := f.store.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u.Points
}

func cost(v int64) *int64 { return &v }

func TestSubmit_InsufficientBalanceCreatesNothing(t *testing.T) {
	f := newFixture(t, "")
	f.seedUser(t, "u1", 15)

	_, _, err := f.q.Submit(context.Background(), "u1", Request{RewardType: "bond_paper_5"})
	assert.True(t, errors.Is(err, apperr.ErrInsufficient), "got %v", err)
	assert.Equal(t, int64(15), f.balance(t, "u1"))

	list, err := f.q.ListForUser(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, f.events.byEvent(EventDispense))
}

func TestSubmit_DebitsAndDispatches(t *testing.T) {
	f := newFixture(t, "RPI_001")
	f.seedUser(t, "u1", 50)

	r, balance, err := f.q.Submit(context.Background(), "u1", Request{RewardType: "bond_paper_1", Cost: cost(10)})
	require.NoError(t, err)
	assert.Equal(t, int64(40), balance)
	assert.Equal(t, int64(40), f.balance(t, "u1"))
	assert.Equal(t, model.RedemptionRequested, r.State)
	assert.Equal(t, 1, r.Quantity)

	jobs := f.events.byEvent(EventDispense)
	require.Len(t, jobs, 1)
	assert.Equal(t, []string{"machines", "machine:RPI_001"}, jobs[0].Rooms)
	assert.Len(t, f.events.byEvent(notify.EventBalanceUpdated), 1)
}

func TestSubmit_TargetedMachineOnlyPushesToThatMachine(t *testing.T) {
	f := newFixture(t, "RPI_001")
	f.seedUser(t, "u1", 50)

	_, _, err := f.q.Submit(context.Background(), "u1", Request{RewardType: "bond_paper_1", MachineID: "RPI_002"})
	require.NoError(t, err)
	jobs := f.events.byEvent(EventDispense)
	require.Len(t, jobs, 1)
	assert.Equal(t, []string{"machine:RPI_002"}, jobs[0].Rooms)
}

func TestSubmit_RejectsUnknownRewardAndWrongCost(t *testing.T) {
	f := newFixture(t, "")
	f.seedUser(t, "u1", 100)
	ctx := context.Background()

	_, _, err := f.q.Submit(ctx, "u1", Request{RewardType: "gold_bar"})
	assert.True(t, errors.Is(err, apperr.ErrInvalidInput))

	_, _, err = f.q.Submit(ctx, "u1", Request{RewardType: "bond_paper_1", Cost: cost(1)})
	assert.True(t, errors.Is(err, apperr.ErrInvalidInput))
	assert.Equal(t, int64(100), f.balance(t, "u1"))
}

func TestPending_FIFOAndTargeting(t *testing.T) {
	f := newFixture(t, "")
	f.seedUser(t, "u1", 100)
	ctx := context.Background()

	first, _, err := f.q.Submit(ctx, "u1", Request{RewardType: "bond_paper_1"})
	require.NoError(t, err)
	targeted, _, err := f.q.Submit(ctx, "u1", Request{RewardType: "bond_paper_1", MachineID: "RPI_002"})
	require.NoError(t, err)
	third, _, err := f.q.Submit(ctx, "u1", Request{RewardType: "bond_paper_1"})
	require.NoError(t, err)

	pending, err := f.q.Pending(ctx, "RPI_001", 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, third.ID, pending[1].ID)

	pending, err = f.q.Pending(ctx, "RPI_002", 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []string{first.ID, targeted.ID, third.ID}, []string{pending[0].ID, pending[1].ID, pending[2].ID})
}

func TestAcknowledge(t *testing.T) {
	f := newFixture(t, "")
	f.seedUser(t, "u1", 100)
	ctx := context.Background()
	r, _, err := f.q.Submit(ctx, "u1", Request{RewardType: "bond_paper_1"})
	require.NoError(t, err)

	got, err := f.q.Acknowledge(ctx, r.ID, "RPI_001")
	require.NoError(t, err)
	assert.Equal(t, model.RedemptionDispatched, got.State)
	assert.Equal(t, "RPI_001", got.MachineID)

	_, err = f.q.Acknowledge(ctx, r.ID, "RPI_001")
	assert.NoError(t, err, "acknowledging twice is a no-op")

	_, err = f.q.Acknowledge(ctx, r.ID, "RPI_002")
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	pending, err := f.q.Pending(ctx, "RPI_002", 0)
	require.NoError(t, err)
	assert.Empty(t, pending, "dispatched redemptions belong to their machine")

	pending, err = f.q.Pending(ctx, "RPI_001", 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestComplete_IsIdempotent(t *testing.T) {
	f := newFixture(t, "")
	f.seedUser(t, "u1", 100)
	ctx := context.Background()
	r, _, err := f.q.Submit(ctx, "u1", Request{RewardType: "bond_paper_5"})
	require.NoError(t, err)

	first, err := f.q.Complete(ctx, r.ID, "RPI_001")
	require.NoError(t, err)
	assert.False(t, first.AlreadyCompleted)
	assert.Equal(t, model.RedemptionCompleted, first.Redemption.State)

	second, err := f.q.Complete(ctx, r.ID, "RPI_001")
	require.NoError(t, err)
	assert.True(t, second.AlreadyCompleted)

	u, err := f.store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), u.TotalBondsEarned)
	assert.Equal(t, int64(55), u.Points)
	assert.Len(t, f.events.byEvent(EventCompleted), 1)

	pending, err := f.q.Pending(ctx, "RPI_001", 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFail_KeepsDebitAndBlocksCompletion(t *testing.T) {
	f := newFixture(t, "")
	f.seedUser(t, "u1", 100)
	ctx := context.Background()
	r, _, err := f.q.Submit(ctx, "u1", Request{RewardType: "bond_paper_1"})
	require.NoError(t, err)

	failed, err := f.q.Fail(ctx, r.ID, "RPI_001", "paper jam")
	require.NoError(t, err)
	assert.Equal(t, model.RedemptionFailed, failed.State)
	assert.Equal(t, "paper jam", failed.FailureReason)
	assert.Equal(t, int64(90), f.balance(t, "u1"))

	_, err = f.q.Complete(ctx, r.ID, "RPI_001")
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestComplete_UnknownRedemption(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.q.Complete(context.Background(), "missing", "RPI_001")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestComplete_RejectsOtherMachines(t *testing.T) {
	f := newFixture(t, "")
	f.seedUser(t, "u1", 100)
	ctx := context.Background()

	targeted, _, err := f.q.Submit(ctx, "u1", Request{RewardType: "bond_paper_1", MachineID: "RPI_001"})
	require.NoError(t, err)
	_, err = f.q.Complete(ctx, targeted.ID, "RPI_002")
	assert.True(t, errors.Is(err, apperr.ErrConflict), "got %v", err)

	taken, _, err := f.q.Submit(ctx, "u1", Request{RewardType: "bond_paper_1"})
	require.NoError(t, err)
	_, err = f.q.Acknowledge(ctx, taken.ID, "RPI_001")
	require.NoError(t, err)
	_, err = f.q.Complete(ctx, taken.ID, "RPI_002")
	assert.True(t, errors.Is(err, apperr.ErrConflict), "got %v", err)

	for _, id := range []string{targeted.ID, taken.ID} {
		r, err := f.q.Get(ctx, id)
		require.NoError(t, err)
		assert.NotEqual(t, model.RedemptionCompleted, r.State)
		assert.NotEqual(t, "RPI_002", r.MachineID)
	}
	u, err := f.store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, u.TotalBondsEarned)
	assert.Empty(t, f.events.byEvent(EventCompleted))

	done, err := f.q.Complete(ctx, targeted.ID, "RPI_001")
	require.NoError(t, err)
	assert.Equal(t, "RPI_001", done.Redemption.MachineID)
}

func TestFail_RejectsOtherMachines(t *testing.T) {
	f := newFixture(t, "")
	f.seedUser(t, "u1", 100)
	ctx := context.Background()

	r, _, err := f.q.Submit(ctx, "u1", Request{RewardType: "bond_paper_1"})
	require.NoError(t, err)
	_, err = f.q.Acknowledge(ctx, r.ID, "RPI_001")
	require.NoError(t, err)

	_, err = f.q.Fail(ctx, r.ID, "RPI_002", "jam")
	assert.True(t, errors.Is(err, apperr.ErrConflict), "got %v", err)

	got, err := f.q.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RedemptionDispatched, got.State)
	assert.Equal(t, "RPI_001", got.MachineID)
	assert.Empty(t, f.events.byEvent(EventFailed))

	done, err := f.q.Complete(ctx, r.ID, "RPI_001")
	require.NoError(t, err)
	assert.False(t, done.AlreadyCompleted)
}

func TestFail_TruncatesReasonOnRuneBoundary(t *testing.T) {
	f := newFixture(t, "")
	f.seedUser(t, "u1", 100)
	ctx := context.Background()
	r, _, err := f.q.Submit(ctx, "u1", Request{RewardType: "bond_paper_1"})
	require.NoError(t, err)

	reason := strings.Repeat("a", 255) + "é" + strings.Repeat("b", 10)
	failed, err := f.q.Fail(ctx, r.ID, "RPI_001", reason)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", 255), failed.FailureReason)
	assert.True(t, utf8.ValidString(failed.FailureReason))
}

func TestTruncateReason(t *testing.T) {
	cases := []struct {
		in    string
		limit int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"ab€cd", 4, "ab"},
		{"ab€cd", 5, "ab€"},
		{"€€", 2, ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, truncateReason(tc.in, tc.limit), "truncateReason(%q, %d)", tc.in, tc.limit)
	}
}
