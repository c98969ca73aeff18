package bootstrap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phillip-england/minedesk/internal/auth"
	"github.com/phillip-england/minedesk/internal/logging"
	"github.com/phillip-england/minedesk/internal/tenant"
)

const waitFor = 2 * time.Second

func startOrchestrator(t *testing.T, fa *fakeAuth, dir *fakeDirectory) (*Orchestrator, *manualClock) {
	t.Helper()
	clock := &manualClock{}
	o := New(fa, dir, WithClock(clock), WithLogger(logging.Discard()))
	o.Start(context.Background())
	t.Cleanup(o.Close)
	return o, clock
}

func awaitPhase(t *testing.T, o *Orchestrator, phase Phase) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s, err := o.Await(ctx, func(s State) bool { return s.Phase == phase })
	require.NoError(t, err, "waiting for %s, last state %s", phase, s.Phase)
	return s
}

func TestReadyWithActiveTenant(t *testing.T) {
	fa := newFakeAuth(&auth.Identity{ID: "u1", Email: "u1@example.com"})
	dir := newFakeDirectory()
	dir.set("u1", tenant.Tenant{ID: "t1", Name: "Quarry", Active: true})

	o, clock := startOrchestrator(t, fa, dir)
	s := awaitPhase(t, o, PhaseReady)

	require.NotNil(t, s.Tenant)
	assert.Equal(t, "t1", s.Tenant.ID)
	assert.Equal(t, "u1", s.Identity.ID)
	assert.False(t, s.Resolving)
	assert.False(t, s.TimedOut)
	assert.Empty(t, s.Notice)
	assert.Equal(t, 0, clock.Pending(), "timeout must be cancelled once ready")
}

func TestAbsentIdentityRequiresLogin(t *testing.T) {
	fa := newFakeAuth(nil)
	dir := newFakeDirectory()

	o, clock := startOrchestrator(t, fa, dir)
	s := awaitPhase(t, o, PhaseLoginRequired)

	assert.Nil(t, s.Identity)
	assert.Nil(t, s.Tenant)
	assert.Equal(t, 0, dir.totalCalls())
	assert.Equal(t, 0, clock.Pending())
}

func TestIdentityLookupFailureRequiresLogin(t *testing.T) {
	fa := newFakeAuth(&auth.Identity{ID: "u1"})
	fa.err = assert.AnError
	dir := newFakeDirectory()

	o, _ := startOrchestrator(t, fa, dir)
	awaitPhase(t, o, PhaseLoginRequired)
	assert.Equal(t, 0, dir.totalCalls())
}

func TestMissingMembershipWaitsUntilTimeout(t *testing.T) {
	fa := newFakeAuth(&auth.Identity{ID: "u2"})
	dir := newFakeDirectory()

	o, clock := startOrchestrator(t, fa, dir)
	awaitPhase(t, o, PhaseAwaitingTenant)
	require.Eventually(t, func() bool { return dir.callCount("u2") == 1 }, waitFor, time.Millisecond)

	clock.Advance(DefaultTimeout - time.Second)
	assert.Equal(t, PhaseAwaitingTenant, o.State().Phase)
	assert.Empty(t, o.State().Notice)

	clock.Advance(time.Second)
	s := awaitPhase(t, o, PhaseTimedOut)
	assert.True(t, s.TimedOut)
	assert.Equal(t, NoticeFetchFailed, s.Notice)
}

func TestInactiveTenantNeverReady(t *testing.T) {
	fa := newFakeAuth(&auth.Identity{ID: "u3"})
	dir := newFakeDirectory()
	dir.set("u3", tenant.Tenant{ID: "t3", Name: "Closed Co", Active: false})

	clock := &manualClock{}
	o := New(fa, dir, WithClock(clock), WithLogger(logging.Discard()))

	var mu sync.Mutex
	var phases []Phase
	dispose := o.Watch(func(s State) {
		mu.Lock()
		phases = append(phases, s.Phase)
		mu.Unlock()
	})
	defer dispose()

	o.Start(context.Background())
	t.Cleanup(o.Close)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s, err := o.Await(ctx, func(s State) bool { return s.Notice == NoticeTenantInactive })
	require.NoError(t, err)
	assert.Equal(t, PhaseAwaitingTenant, s.Phase)
	assert.Nil(t, s.Tenant)

	clock.Advance(DefaultTimeout)
	awaitPhase(t, o, PhaseTimedOut)

	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, phases, PhaseReady)
}

func TestTimeoutFiresOnceAndIgnoresLateResults(t *testing.T) {
	fa := newFakeAuth(&auth.Identity{ID: "u1"})
	dir := newFakeDirectory()
	dir.set("u1", tenant.Tenant{ID: "t1", Active: true})
	release := dir.block("u1")

	clock := &manualClock{}
	o := New(fa, dir, WithClock(clock), WithLogger(logging.Discard()))

	var mu sync.Mutex
	timedOut := 0
	dispose := o.Watch(func(s State) {
		if s.Phase == PhaseTimedOut {
			mu.Lock()
			timedOut++
			mu.Unlock()
		}
	})
	defer dispose()

	o.Start(context.Background())
	t.Cleanup(o.Close)

	awaitPhase(t, o, PhaseAwaitingTenant)
	clock.Advance(DefaultTimeout)
	awaitPhase(t, o, PhaseTimedOut)

	close(release)
	clock.Advance(DefaultTimeout)

	assert.Never(t, func() bool { return o.State().Phase != PhaseTimedOut }, 100*time.Millisecond, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, timedOut)
}

func TestTimeoutWhileIdentityPending(t *testing.T) {
	fa := newFakeAuth(&auth.Identity{ID: "u1"})
	fa.gate = make(chan struct{})
	dir := newFakeDirectory()

	o, clock := startOrchestrator(t, fa, dir)
	awaitPhase(t, o, PhaseAwaitingIdentity)

	clock.Advance(DefaultTimeout)
	awaitPhase(t, o, PhaseTimedOut)

	close(fa.gate)
	assert.Never(t, func() bool { return o.State().Phase != PhaseTimedOut }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 0, dir.totalCalls())
}

func TestStaleTenantResultDiscarded(t *testing.T) {
	fa := newFakeAuth(&auth.Identity{ID: "u1"})
	dir := newFakeDirectory()
	dir.set("u1", tenant.Tenant{ID: "t1", Active: true})
	dir.set("u4", tenant.Tenant{ID: "t4", Active: true})
	release := dir.block("u1")

	o, _ := startOrchestrator(t, fa, dir)
	awaitPhase(t, o, PhaseAwaitingTenant)
	require.Eventually(t, func() bool { return fa.subscribers() == 1 }, waitFor, time.Millisecond)

	fa.emit(auth.Event{Type: auth.EventSignedIn, Identity: &auth.Identity{ID: "u4"}})
	s := awaitPhase(t, o, PhaseReady)
	assert.Equal(t, "t4", s.Tenant.ID)

	close(release)
	assert.Never(t, func() bool {
		s := o.State()
		return s.Tenant == nil || s.Tenant.ID != "t4"
	}, 100*time.Millisecond, 5*time.Millisecond)
}

func TestSignOutThenSignIn(t *testing.T) {
	fa := newFakeAuth(&auth.Identity{ID: "u1"})
	dir := newFakeDirectory()
	dir.set("u1", tenant.Tenant{ID: "t1", Active: true})
	dir.set("u5", tenant.Tenant{ID: "t5", Active: true})

	o, clock := startOrchestrator(t, fa, dir)
	awaitPhase(t, o, PhaseReady)
	require.Eventually(t, func() bool { return fa.subscribers() == 1 }, waitFor, time.Millisecond)

	fa.emit(auth.Event{Type: auth.EventSignedOut})
	s := awaitPhase(t, o, PhaseLoginRequired)
	assert.Nil(t, s.Identity)
	assert.Nil(t, s.Tenant)

	fa.emit(auth.Event{Type: auth.EventTokenRefreshed, Identity: &auth.Identity{ID: "u5"}})
	assert.Never(t, func() bool { return o.State().Phase != PhaseLoginRequired }, 50*time.Millisecond, 5*time.Millisecond)

	fa.emit(auth.Event{Type: auth.EventSignedIn, Identity: &auth.Identity{ID: "u5"}})
	s = awaitPhase(t, o, PhaseReady)
	assert.Equal(t, "t5", s.Tenant.ID)
	assert.Equal(t, 0, clock.Pending())
}

func TestTokenRefreshKeepsReady(t *testing.T) {
	fa := newFakeAuth(&auth.Identity{ID: "u1", Email: "old@example.com"})
	dir := newFakeDirectory()
	dir.set("u1", tenant.Tenant{ID: "t1", Active: true})

	o, _ := startOrchestrator(t, fa, dir)
	awaitPhase(t, o, PhaseReady)
	require.Eventually(t, func() bool { return fa.subscribers() == 1 }, waitFor, time.Millisecond)

	fa.emit(auth.Event{Type: auth.EventTokenRefreshed, Identity: &auth.Identity{ID: "u1", Email: "new@example.com"}})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s, err := o.Await(ctx, func(s State) bool { return s.Identity != nil && s.Identity.Email == "new@example.com" })
	require.NoError(t, err)
	assert.Equal(t, PhaseReady, s.Phase)
	assert.Equal(t, 1, dir.callCount("u1"))
}

func TestRetryAfterTimeout(t *testing.T) {
	fa := newFakeAuth(&auth.Identity{ID: "u2"})
	dir := newFakeDirectory()

	o, clock := startOrchestrator(t, fa, dir)
	awaitPhase(t, o, PhaseAwaitingTenant)
	clock.Advance(DefaultTimeout)
	awaitPhase(t, o, PhaseTimedOut)

	dir.set("u2", tenant.Tenant{ID: "t2", Active: true})
	o.Retry()
	s := awaitPhase(t, o, PhaseReady)
	assert.Equal(t, "t2", s.Tenant.ID)
	assert.False(t, s.TimedOut)
	assert.Equal(t, 2, fa.lookupCount())
}

func TestTenantUnavailableRestarts(t *testing.T) {
	fa := newFakeAuth(&auth.Identity{ID: "u1"})
	dir := newFakeDirectory()
	dir.set("u1", tenant.Tenant{ID: "t1", Active: true})

	o, _ := startOrchestrator(t, fa, dir)
	awaitPhase(t, o, PhaseReady)

	dir.set("u1", tenant.Tenant{ID: "t1", Active: false})
	o.TenantUnavailable()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s, err := o.Await(ctx, func(s State) bool { return s.Notice == NoticeTenantInactive })
	require.NoError(t, err)
	assert.Equal(t, PhaseAwaitingTenant, s.Phase)
	assert.Equal(t, 2, dir.callCount("u1"))
}

func TestSignOutMovesToLogin(t *testing.T) {
	fa := newFakeAuth(&auth.Identity{ID: "u1"})
	dir := newFakeDirectory()
	dir.set("u1", tenant.Tenant{ID: "t1", Active: true})

	o, _ := startOrchestrator(t, fa, dir)
	awaitPhase(t, o, PhaseReady)

	require.NoError(t, o.SignOut(context.Background()))
	awaitPhase(t, o, PhaseLoginRequired)
	assert.Equal(t, 1, fa.signOuts)
}

func TestCloseDisposesSubscriptionOnce(t *testing.T) {
	fa := newFakeAuth(&auth.Identity{ID: "u1"})
	dir := newFakeDirectory()
	dir.set("u1", tenant.Tenant{ID: "t2", Active: true})
	release := dir.block("u1")

	clock := &manualClock{}
	o := New(fa, dir, WithClock(clock), WithLogger(logging.Discard()))
	o.Start(context.Background())

	awaitPhase(t, o, PhaseAwaitingTenant)
	require.Eventually(t, func() bool { return fa.subscribers() == 1 }, waitFor, time.Millisecond)
	require.Equal(t, 1, clock.Pending())

	o.Close()
	o.Close()
	close(release)

	require.Eventually(t, func() bool { return fa.unsubscribed() == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, 0, fa.subscribers())
	assert.Equal(t, 0, clock.Pending())

	clock.Advance(DefaultTimeout)
	assert.Equal(t, PhaseAwaitingTenant, o.State().Phase)
}

func TestCustomTimeout(t *testing.T) {
	fa := newFakeAuth(&auth.Identity{ID: "u2"})
	dir := newFakeDirectory()
	clock := &manualClock{}
	o := New(fa, dir, WithClock(clock), WithTimeout(5*time.Second), WithLogger(logging.Discard()))
	o.Start(context.Background())
	t.Cleanup(o.Close)

	awaitPhase(t, o, PhaseAwaitingTenant)
	clock.Advance(5 * time.Second)
	awaitPhase(t, o, PhaseTimedOut)
}

func TestLostSubscriptionIsReopened(t *testing.T) {
	fa := newFakeAuth(&auth.Identity{ID: "u1"})
	dir := newFakeDirectory()
	dir.set("u1", tenant.Tenant{ID: "t1", Active: true})

	o, clock := startOrchestrator(t, fa, dir)
	awaitPhase(t, o, PhaseReady)
	require.Eventually(t, func() bool { return fa.subscribers() == 1 }, waitFor, time.Millisecond)
	lookups := fa.lookupCount()

	fa.dropStreams()
	require.Eventually(t, func() bool { return clock.Pending() == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, PhaseReady, o.State().Phase)

	clock.Advance(resubscribeMin)
	require.Eventually(t, func() bool { return fa.subscribers() == 1 }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return fa.lookupCount() == lookups+1 }, waitFor, time.Millisecond)
	assert.Equal(t, PhaseReady, o.State().Phase)

	fa.emit(auth.Event{Type: auth.EventSignedOut})
	awaitPhase(t, o, PhaseLoginRequired)
}

func TestReopenedSubscriptionCatchesMissedSignOut(t *testing.T) {
	fa := newFakeAuth(&auth.Identity{ID: "u1"})
	dir := newFakeDirectory()
	dir.set("u1", tenant.Tenant{ID: "t1", Active: true})

	o, clock := startOrchestrator(t, fa, dir)
	awaitPhase(t, o, PhaseReady)
	require.Eventually(t, func() bool { return fa.subscribers() == 1 }, waitFor, time.Millisecond)

	fa.dropStreams()
	fa.setIdentity(nil)
	require.Eventually(t, func() bool { return clock.Pending() == 1 }, waitFor, time.Millisecond)
	clock.Advance(resubscribeMin)

	s := awaitPhase(t, o, PhaseLoginRequired)
	assert.Nil(t, s.Identity)
	assert.Nil(t, s.Tenant)
}

func TestFailedSubscribeRetriesWithBackoff(t *testing.T) {
	fa := newFakeAuth(&auth.Identity{ID: "u1"})
	fa.subErr = assert.AnError
	dir := newFakeDirectory()
	dir.set("u1", tenant.Tenant{ID: "t1", Active: true})

	o, clock := startOrchestrator(t, fa, dir)
	awaitPhase(t, o, PhaseReady)
	require.Eventually(t, func() bool { return fa.subscribeCalls() == 1 && clock.Pending() == 1 }, waitFor, time.Millisecond)

	clock.Advance(resubscribeMin)
	require.Eventually(t, func() bool { return fa.subscribeCalls() == 2 && clock.Pending() == 1 }, waitFor, time.Millisecond)

	fa.setSubscribeErr(nil)
	clock.Advance(resubscribeMin)
	assert.Never(t, func() bool { return fa.subscribeCalls() > 2 }, 50*time.Millisecond, 5*time.Millisecond)

	clock.Advance(resubscribeMin)
	require.Eventually(t, func() bool { return fa.subscribers() == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, PhaseReady, o.State().Phase)
}

func TestLoginRequiredDoesNotResubscribe(t *testing.T) {
	fa := newFakeAuth(nil)
	fa.subErr = assert.AnError
	dir := newFakeDirectory()

	o, clock := startOrchestrator(t, fa, dir)
	awaitPhase(t, o, PhaseLoginRequired)
	require.Eventually(t, func() bool { return fa.subscribeCalls() == 1 }, waitFor, time.Millisecond)
	assert.Never(t, func() bool { return clock.Pending() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestWatchSeesStatesInOrder(t *testing.T) {
	fa := newFakeAuth(&auth.Identity{ID: "u1"})
	dir := newFakeDirectory()
	dir.set("u1", tenant.Tenant{ID: "t1", Active: true})

	o, _ := startOrchestrator(t, fa, dir)
	awaitPhase(t, o, PhaseReady)

	var wg sync.WaitGroup
	var mu sync.Mutex
	outOfOrder := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			dispose := o.Watch(func(s State) {
				if s.RequestToken < last {
					mu.Lock()
					outOfOrder++
					mu.Unlock()
				}
				last = s.RequestToken
			})
			time.Sleep(10 * time.Millisecond)
			dispose()
		}()
		o.Retry()
	}
	wg.Wait()
	awaitPhase(t, o, PhaseReady)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, outOfOrder)
}
