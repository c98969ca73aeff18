package bootstrap

import (
	"context"
	"sync"
	"time"

	"github.com/phillip-england/minedesk/internal/auth"
	"github.com/phillip-england/minedesk/internal/tenant"
)

type manualClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

func (c *manualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeAuth struct {
	mu         sync.Mutex
	identity   *auth.Identity
	err        error
	gate       chan struct{}
	lookups    int
	subs       map[int]func(auth.Event)
	nextSub    int
	subErr     error
	subCalls   int
	unsubCalls int
	signOuts   int
}

func newFakeAuth(identity *auth.Identity) *fakeAuth {
	return &fakeAuth{identity: identity, subs: map[int]func(auth.Event){}}
}

func (f *fakeAuth) CurrentIdentity(ctx context.Context) (*auth.Identity, error) {
	f.mu.Lock()
	f.lookups++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity, f.err
}

func (f *fakeAuth) Subscribe(_ context.Context, fn func(auth.Event)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subCalls++
	if f.subErr != nil {
		return nil, f.subErr
	}
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubCalls++
		delete(f.subs, id)
	}, nil
}

func (f *fakeAuth) SignOut(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signOuts++
	f.identity = nil
	return nil
}

func (f *fakeAuth) emit(ev auth.Event) {
	f.mu.Lock()
	subs := make([]func(auth.Event), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// dropStreams ends every open subscription the way a lost connection does.
func (f *fakeAuth) dropStreams() {
	f.mu.Lock()
	subs := f.subs
	f.subs = map[int]func(auth.Event){}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(auth.Event{Type: auth.EventStreamClosed})
	}
}

func (f *fakeAuth) setIdentity(identity *auth.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identity = identity
}

func (f *fakeAuth) setSubscribeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subErr = err
}

func (f *fakeAuth) subscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subCalls
}

func (f *fakeAuth) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeAuth) unsubscribed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubCalls
}

func (f *fakeAuth) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

type fakeDirectory struct {
	mu      sync.Mutex
	members map[string]tenant.Membership
	gates   map[string]chan struct{}
	calls   map[string]int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		members: map[string]tenant.Membership{},
		gates:   map[string]chan struct{}{},
		calls:   map[string]int{},
	}
}

func (d *fakeDirectory) Membership(ctx context.Context, identityID string) (tenant.Membership, error) {
	d.mu.Lock()
	d.calls[identityID]++
	gate := d.gates[identityID]
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return tenant.Membership{}, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.members[identityID]
	if !ok {
		return tenant.Membership{}, tenant.ErrMembershipNotFound
	}
	return m, nil
}

func (d *fakeDirectory) set(identityID string, t tenant.Tenant) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[identityID] = tenant.Membership{UserID: identityID, Role: "owner", Tenant: t}
}

func (d *fakeDirectory) block(identityID string) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	gate := make(chan struct{})
	d.gates[identityID] = gate
	return gate
}

func (d *fakeDirectory) callCount(identityID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[identityID]
}

func (d *fakeDirectory) totalCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		n += c
	}
	return n
}
