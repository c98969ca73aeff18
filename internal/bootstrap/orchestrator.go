package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/phillip-england/minedesk/internal/auth"
	"github.com/phillip-england/minedesk/internal/tenant"
)

const DefaultTimeout = 180 * time.Second

// Delays between attempts to reopen a lost change subscription.
const (
	resubscribeMin = time.Second
	resubscribeMax = 30 * time.Second
)

type Option func(*Orchestrator)

func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func WithClock(c Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// loop events
type (
	identitySettled struct {
		token    uint64
		identity *auth.Identity
	}
	identityChanged struct {
		ev auth.Event
	}
	tenantSettled struct {
		token    uint64
		identity string
		tenant   *tenant.Tenant
		err      error
	}
	identityVerified struct {
		token    uint64
		identity *auth.Identity
		err      error
	}
	timerFired struct {
		gen uint64
	}
	streamOpened struct {
		gen uint64
	}
	streamClosed struct {
		gen uint64
	}
	subscribeFailed struct {
		gen uint64
	}
	resubscribeDue struct {
		gen uint64
	}
	retryRequested    struct{}
	tenantUnavailable struct{}
)

// Orchestrator runs the bootstrap for one browser session. All state changes
// happen on a single loop goroutine; lookups run on their own goroutines and
// post results back tagged with the request token they were issued under.
type Orchestrator struct {
	session *SessionResolver
	tenants *TenantResolver
	clock   Clock
	timeout time.Duration
	log     *slog.Logger

	events    chan any
	done      chan struct{}
	exited    chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	started   bool
	cancel    context.CancelFunc

	// notifyMu orders watcher calls; mu guards the fields below it.
	notifyMu sync.Mutex
	mu       sync.RWMutex
	state    State
	watchers map[int]func(State)
	nextWID  int

	subMu       sync.Mutex
	closed      bool
	unsubscribe func()
	unsubGen    uint64

	// owned by the loop goroutine
	token      uint64
	timer      Timer
	timerGen   uint64
	timerArmed bool
	subscribed bool
	subGen     uint64
	streamLost bool
	backoff    time.Duration
	resubTimer Timer
}

func New(svc AuthService, dir TenantDirectory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		clock:    SystemClock(),
		timeout:  DefaultTimeout,
		log:      slog.Default(),
		events:   make(chan any, 16),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
		watchers: map[int]func(State){},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.session = NewSessionResolver(svc, o.log)
	o.tenants = NewTenantResolver(dir, o.log)
	return o
}

// Start begins the bootstrap. It returns immediately; the lookups are bound
// to ctx and to Close.
func (o *Orchestrator) Start(ctx context.Context) {
	o.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		o.mu.Lock()
		o.started = true
		o.cancel = cancel
		o.mu.Unlock()
		go o.run(ctx)
	})
}

// Close tears the bootstrap down: the loop exits, the timeout is cancelled
// and the change subscription is disposed exactly once.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		close(o.done)

		o.mu.RLock()
		started, cancel := o.started, o.cancel
		o.mu.RUnlock()
		if started {
			cancel()
			<-o.exited
		}

		o.subMu.Lock()
		o.closed = true
		unsubscribe := o.unsubscribe
		o.unsubscribe = nil
		o.subMu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		}
	})
}

func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Watch calls fn with the current state and again after every change.
// Calls arrive in state order and never overlap; the first one runs on the
// caller's goroutine, the rest on the loop goroutine. fn must not block or
// call Watch.
func (o *Orchestrator) Watch(fn func(State)) func() {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()

	o.mu.Lock()
	id := o.nextWID
	o.nextWID++
	o.watchers[id] = fn
	current := o.state
	o.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.watchers, id)
			o.mu.Unlock()
		})
	}
}

// Await blocks until pred holds for the state or ctx is done. On ctx expiry
// it returns the latest state together with the context error.
func (o *Orchestrator) Await(ctx context.Context, pred func(State) bool) (State, error) {
	ch := make(chan State, 1)
	dispose := o.Watch(func(s State) {
		if pred(s) {
			select {
			case ch <- s:
			default:
			}
		}
	})
	defer dispose()

	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return o.State(), ctx.Err()
	}
}

// Retry restarts the sequence from the identity lookup.
func (o *Orchestrator) Retry() { o.send(retryRequested{}) }

// TenantUnavailable is reported by callers whose tenant-scoped requests are
// rejected; a ready bootstrap starts over.
func (o *Orchestrator) TenantUnavailable() { o.send(tenantUnavailable{}) }

// SignOut signs the identity out and moves the bootstrap to the login view
// without waiting for the change notification.
func (o *Orchestrator) SignOut(ctx context.Context) error {
	if err := o.session.SignOut(ctx); err != nil {
		return err
	}
	o.send(identityChanged{ev: auth.Event{Type: auth.EventSignedOut}})
	return nil
}

func (o *Orchestrator) send(ev any) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.events <- ev:
		return true
	case <-o.done:
		return false
	}
}

func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.exited)
	defer o.stopTimer()
	defer o.stopResubscribe()

	o.beginIdentity(ctx)
	for {
		select {
		case <-o.done:
			return
		case <-ctx.Done():
			return
		case ev := <-o.events:
			o.handle(ctx, ev)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	case identitySettled:
		if !o.subscribed {
			o.startSubscription(ctx)
		}
		if ev.token != o.token {
			o.log.Debug("discarding stale identity result", "token", ev.token, "current", o.token)
			return
		}
		o.applyIdentity(ctx, ev.identity)
	case identityChanged:
		o.onIdentityChanged(ctx, ev.ev)
	case identityVerified:
		o.onIdentityVerified(ctx, ev)
	case streamOpened:
		if ev.gen != o.subGen || !o.subscribed {
			return
		}
		o.backoff = 0
		if o.streamLost {
			o.streamLost = false
			o.verifyIdentity(ctx)
		}
	case streamClosed:
		if ev.gen != o.subGen || !o.subscribed {
			return
		}
		o.log.Info("identity change subscription lost")
		o.dropSubscription(ev.gen)
		o.subscribed = false
		o.streamLost = true
		o.scheduleResubscribe()
	case subscribeFailed:
		if ev.gen != o.subGen || !o.subscribed {
			return
		}
		o.subscribed = false
		o.streamLost = true
		o.scheduleResubscribe()
	case resubscribeDue:
		o.resubTimer = nil
		if o.subscribed || ev.gen != o.subGen || !o.wantsSubscription() {
			return
		}
		o.startSubscription(ctx)
	case tenantSettled:
		o.onTenantSettled(ev)
	case timerFired:
		o.onTimer(ev.gen)
	case retryRequested:
		o.stopTimer()
		o.tenants.Reset()
		o.beginIdentity(ctx)
	case tenantUnavailable:
		if o.State().Phase != PhaseReady {
			return
		}
		o.log.Info("tenant became unavailable, restarting bootstrap")
		o.tenants.Reset()
		o.beginIdentity(ctx)
	}
}

func (o *Orchestrator) beginIdentity(ctx context.Context) {
	o.token++
	token := o.token
	o.armTimer()
	o.update(func(s *State) {
		s.Phase = PhaseAwaitingIdentity
		s.Identity = nil
		s.Tenant = nil
		s.Resolving = true
		s.TimedOut = false
		s.Notice = ""
		s.RequestToken = token
	})

	go func() {
		identity, _ := o.session.Resolve(ctx)
		o.send(identitySettled{token: token, identity: identity})
	}()
}

func (o *Orchestrator) applyIdentity(ctx context.Context, identity *auth.Identity) {
	if identity == nil {
		o.token++
		token := o.token
		o.stopTimer()
		o.tenants.Reset()
		o.update(func(s *State) {
			s.Phase = PhaseLoginRequired
			s.Identity = nil
			s.Tenant = nil
			s.Resolving = false
			s.Notice = ""
			s.RequestToken = token
		})
		return
	}

	if prev := o.State().Identity; prev == nil || prev.ID != identity.ID {
		o.tenants.Reset()
	}
	o.beginTenant(ctx, identity)
}

func (o *Orchestrator) beginTenant(ctx context.Context, identity *auth.Identity) {
	o.token++
	token := o.token
	o.armTimer()
	o.update(func(s *State) {
		s.Phase = PhaseAwaitingTenant
		s.Identity = identity
		s.Tenant = nil
		s.Resolving = true
		s.TimedOut = false
		s.Notice = ""
		s.RequestToken = token
	})

	go func() {
		t, err := o.tenants.Resolve(ctx, identity)
		o.send(tenantSettled{token: token, identity: identity.ID, tenant: t, err: err})
	}()
}

func (o *Orchestrator) onTenantSettled(ev tenantSettled) {
	if ev.token != o.token {
		o.log.Debug("discarding stale tenant result", "identity", ev.identity, "token", ev.token, "current", o.token)
		return
	}

	switch {
	case ev.err == nil && ev.tenant != nil:
		o.stopTimer()
		o.update(func(s *State) {
			s.Phase = PhaseReady
			s.Tenant = ev.tenant
			s.Resolving = false
			s.Notice = ""
		})
		o.log.Info("bootstrap ready", "identity", ev.identity, "tenant", ev.tenant.ID)
	case errors.Is(ev.err, tenant.ErrTenantInactive):
		o.update(func(s *State) { s.Notice = NoticeTenantInactive })
		o.log.Info("tenant inactive", "identity", ev.identity)
	case errors.Is(ev.err, tenant.ErrTenantMissing):
		o.log.Info("tenant missing", "identity", ev.identity)
	default:
		o.log.Warn("tenant unresolved", "identity", ev.identity, "err", ev.err)
	}
}

func (o *Orchestrator) onIdentityChanged(ctx context.Context, ev auth.Event) {
	current := o.State()

	if ev.Type == auth.EventSignedOut {
		if current.Phase == PhaseLoginRequired {
			return
		}
		o.log.Info("identity signed out")
		o.applyIdentity(ctx, nil)
		return
	}
	if ev.Identity == nil {
		return
	}

	switch current.Phase {
	case PhaseLoginRequired, PhaseTimedOut:
		if ev.Type != auth.EventSignedIn {
			return
		}
		o.tenants.Reset()
		o.update(func(s *State) {
			s.Phase = PhaseAwaitingIdentity
			s.Identity = nil
			s.Tenant = nil
			s.Resolving = true
			s.TimedOut = false
			s.Notice = ""
		})
		o.applyIdentity(ctx, ev.Identity)
		return
	}

	if current.Identity != nil && current.Identity.ID == ev.Identity.ID {
		switch current.Phase {
		case PhaseReady:
			identity := ev.Identity
			o.update(func(s *State) { s.Identity = identity })
		case PhaseAwaitingIdentity:
			o.applyIdentity(ctx, ev.Identity)
		}
		return
	}

	o.applyIdentity(ctx, ev.Identity)
}

func (o *Orchestrator) onTimer(gen uint64) {
	if !o.timerArmed || gen != o.timerGen {
		return
	}
	o.timerArmed = false
	o.timer = nil
	if !o.State().Phase.Awaiting() {
		return
	}

	o.token++
	token := o.token
	o.update(func(s *State) {
		s.Phase = PhaseTimedOut
		s.Resolving = false
		s.TimedOut = true
		s.Notice = NoticeFetchFailed
		s.RequestToken = token
	})
	o.log.Warn("bootstrap abandoned", "err", ErrBootstrapTimeout, "timeout", o.timeout)
}

// armTimer starts the budget unless one is already running, so the budget
// spans every awaiting phase of one sequence.
func (o *Orchestrator) armTimer() {
	if o.timerArmed {
		return
	}
	o.timerGen++
	gen := o.timerGen
	o.timer = o.clock.AfterFunc(o.timeout, func() {
		o.send(timerFired{gen: gen})
	})
	o.timerArmed = true
}

func (o *Orchestrator) stopTimer() {
	if !o.timerArmed {
		return
	}
	o.timer.Stop()
	o.timer = nil
	o.timerArmed = false
	o.timerGen++
}

func (o *Orchestrator) startSubscription(ctx context.Context) {
	o.stopResubscribe()
	o.subscribed = true
	o.subGen++
	go o.subscribe(ctx, o.subGen)
}

func (o *Orchestrator) subscribe(ctx context.Context, gen uint64) {
	unsubscribe, err := o.session.Subscribe(ctx, func(ev auth.Event) {
		if ev.Type == auth.EventStreamClosed {
			o.send(streamClosed{gen: gen})
			return
		}
		o.send(identityChanged{ev: ev})
	})
	if err != nil {
		o.log.Warn("identity change subscription unavailable", "err", err)
		o.send(subscribeFailed{gen: gen})
		return
	}

	o.subMu.Lock()
	if o.closed {
		o.subMu.Unlock()
		unsubscribe()
		return
	}
	prev := o.unsubscribe
	o.unsubscribe, o.unsubGen = unsubscribe, gen
	o.subMu.Unlock()
	if prev != nil {
		prev()
	}
	o.send(streamOpened{gen: gen})
}

// dropSubscription releases the subscription opened under gen, if it is
// still the current one.
func (o *Orchestrator) dropSubscription(gen uint64) {
	o.subMu.Lock()
	var unsubscribe func()
	if o.unsubGen == gen {
		unsubscribe = o.unsubscribe
		o.unsubscribe = nil
	}
	o.subMu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// wantsSubscription reports whether a lost subscription should be reopened.
// Terminal phases reopen it on the next identity lookup instead.
func (o *Orchestrator) wantsSubscription() bool {
	switch o.State().Phase {
	case PhaseLoginRequired, PhaseTimedOut:
		return false
	}
	return true
}

func (o *Orchestrator) scheduleResubscribe() {
	if o.resubTimer != nil || !o.wantsSubscription() {
		return
	}
	if o.backoff == 0 {
		o.backoff = resubscribeMin
	}
	delay := o.backoff
	o.backoff = min(o.backoff*2, resubscribeMax)
	gen := o.subGen
	o.resubTimer = o.clock.AfterFunc(delay, func() {
		o.send(resubscribeDue{gen: gen})
	})
	o.log.Debug("resubscribing to identity changes", "in", delay)
}

func (o *Orchestrator) stopResubscribe() {
	if o.resubTimer != nil {
		o.resubTimer.Stop()
		o.resubTimer = nil
	}
}

// verifyIdentity rereads the identity after change notifications may have
// been missed.
func (o *Orchestrator) verifyIdentity(ctx context.Context) {
	token := o.token
	go func() {
		identity, err := o.session.Resolve(ctx)
		o.send(identityVerified{token: token, identity: identity, err: err})
	}()
}

func (o *Orchestrator) onIdentityVerified(ctx context.Context, ev identityVerified) {
	if ev.token != o.token || ev.err != nil {
		return
	}
	current := o.State()
	switch {
	case current.Phase == PhaseAwaitingIdentity:
	case ev.identity == nil:
		if current.Phase != PhaseLoginRequired {
			o.log.Info("identity gone after resubscribe")
			o.applyIdentity(ctx, nil)
		}
	case current.Identity == nil || current.Identity.ID != ev.identity.ID:
		o.applyIdentity(ctx, ev.identity)
	case current.Phase == PhaseReady:
		identity := ev.identity
		o.update(func(s *State) { s.Identity = identity })
	}
}

func (o *Orchestrator) update(fn func(*State)) {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()

	o.mu.Lock()
	fn(&o.state)
	snapshot := o.state
	watchers := make([]func(State), 0, len(o.watchers))
	for _, w := range o.watchers {
		watchers = append(watchers, w)
	}
	o.mu.Unlock()

	for _, w := range watchers {
		w(snapshot)
	}
}
