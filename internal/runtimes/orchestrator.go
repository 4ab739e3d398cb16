// Package runtimes orchestrates the lifecycle of remote runtimes:
// creation through the control plane, expiry tracking, and the ordered
// teardown that keeps every attached component consistent.
package runtimes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jovyan/nbgate/internal/cleanup"
	"github.com/jovyan/nbgate/internal/logging"
	"github.com/jovyan/nbgate/internal/protocol"
	"github.com/jovyan/nbgate/internal/store"
)

// ControlPlane is the remote API the orchestrator creates and deletes
// runtimes through.
type ControlPlane interface {
	CreateRuntime(ctx context.Context, environment, name string, minutes int) (*protocol.Runtime, error)
	DeleteRuntime(ctx context.Context, podName string) error
	ListEnvironments(ctx context.Context) ([]protocol.Environment, error)
}

// KernelGateway shuts down the sessions and kernels running inside a
// runtime before the runtime itself goes away.
type KernelGateway interface {
	ShutdownAll(ctx context.Context, ingress, token string) error
}

// ConnectionCloser drops the proxied connections tagged with a runtime.
type ConnectionCloser interface {
	CloseConnectionsForRuntime(runtimeUID string) int
}

// Notifier pushes runtime state changes out to connected windows.
type Notifier interface {
	RuntimesUpdated(runtimes []protocol.Runtime)
	RuntimeGone(uid, reason string)
}

// createAttempt is one in-flight control plane create. Concurrent
// requests for the same owner join it instead of creating twice.
type createAttempt struct {
	done     chan struct{}
	rt       *protocol.Runtime
	err      error
	canceled bool
}

type Orchestrator struct {
	cp       ControlPlane
	gateway  KernelGateway
	conns    ConnectionCloser
	store    *store.Store
	registry *cleanup.Registry
	notifier Notifier
	logger   *logging.Logger

	mu          sync.Mutex
	inflight    map[string]*createAttempt // keyed by owner
	terminating map[string]bool
	timers      map[string]*time.Timer
	teardown    []func(uid string)
}

func New(cp ControlPlane, gateway KernelGateway, conns ConnectionCloser, st *store.Store, registry *cleanup.Registry, notifier Notifier, logger *logging.Logger) *Orchestrator {
	return &Orchestrator{
		cp:          cp,
		gateway:     gateway,
		conns:       conns,
		store:       st,
		registry:    registry,
		notifier:    notifier,
		logger:      logger,
		inflight:    make(map[string]*createAttempt),
		terminating: make(map[string]bool),
		timers:      make(map[string]*time.Timer),
	}
}

func (o *Orchestrator) logf(format string, args ...interface{}) {
	if o.logger != nil {
		o.logger.Infof(format, args...)
	}
}

// OnTeardown registers a listener invoked during every termination,
// after kernel shutdown and before proxied connections are dropped.
// Used to dispose collaboration adapters without a direct dependency.
func (o *Orchestrator) OnTeardown(fn func(uid string)) {
	o.mu.Lock()
	o.teardown = append(o.teardown, fn)
	o.mu.Unlock()
}

// ResumeTracking arms expiry timers for runtimes loaded from a previous
// daemon run. Already-expired runtimes are torn down immediately.
func (o *Orchestrator) ResumeTracking() {
	for _, rt := range o.store.List() {
		o.armExpiry(rt)
	}
}

// Create requests a runtime for an owning document. A second create for
// the same owner while the first is still in flight joins it; an owner
// that already has a tracked runtime gets that runtime back.
func (o *Orchestrator) Create(ctx context.Context, owner, environment, name string, minutes int) (*protocol.Runtime, error) {
	o.mu.Lock()
	if att := o.inflight[owner]; att != nil {
		o.mu.Unlock()
		<-att.done
		return att.rt, att.err
	}
	if existing := o.store.GetByOwner(owner); existing != nil {
		o.mu.Unlock()
		return existing, nil
	}
	att := &createAttempt{done: make(chan struct{})}
	o.inflight[owner] = att
	o.mu.Unlock()

	rt, err := o.cp.CreateRuntime(ctx, environment, name, minutes)

	o.mu.Lock()
	delete(o.inflight, owner)
	canceled := att.canceled
	o.mu.Unlock()

	if err != nil {
		att.err = fmt.Errorf("create runtime for %s: %w", owner, err)
		close(att.done)
		return nil, att.err
	}
	if canceled {
		// The owner was torn down while the create was in flight. The
		// result is discarded, never tracked; release the remote side.
		o.logf("discarding canceled create for %s (runtime %s)", owner, rt.UID)
		if derr := o.cp.DeleteRuntime(context.Background(), rt.PodName); derr != nil {
			o.logf("release canceled runtime %s: %v", rt.UID, derr)
		}
		att.err = fmt.Errorf("runtime creation for %s was canceled", owner)
		close(att.done)
		return nil, att.err
	}

	if rt.Owner == "" {
		rt.Owner = owner
	}
	if rt.StartedAt == "" {
		rt.StartedAt = protocol.TimestampNow()
	}
	if err := o.store.Add(rt); err != nil {
		o.logf("persist runtime %s: %v", rt.UID, err)
	}
	o.armExpiry(rt)

	att.rt = rt
	close(att.done)
	o.logf("created runtime %s (pod %s) for %s", rt.UID, rt.PodName, owner)
	o.notifyUpdated()
	return rt, nil
}

// Terminate tears down a runtime and everything attached to it. Safe to
// call more than once; later calls are a no-op.
func (o *Orchestrator) Terminate(ctx context.Context, uid string) error {
	return o.terminate(ctx, uid, protocol.GoneTerminated)
}

// TerminateAll tears down every tracked runtime and cancels every
// in-flight create. Returns the first error encountered.
func (o *Orchestrator) TerminateAll(ctx context.Context) error {
	o.mu.Lock()
	for _, att := range o.inflight {
		att.canceled = true
	}
	o.mu.Unlock()

	var firstErr error
	for _, rt := range o.store.List() {
		if err := o.terminate(ctx, rt.UID, protocol.GoneTerminated); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MarkExternallyTerminated records a termination that happened outside
// the daemon: the runtime is flagged, its connections and adapters are
// dropped, and tracking is cleared, but no remote calls are made.
func (o *Orchestrator) MarkExternallyTerminated(uid string) {
	o.registry.MarkTerminated(uid)

	o.mu.Lock()
	listeners := append([]func(string){}, o.teardown...)
	if t := o.timers[uid]; t != nil {
		t.Stop()
		delete(o.timers, uid)
	}
	o.mu.Unlock()

	for _, fn := range listeners {
		fn(uid)
	}
	o.conns.CloseConnectionsForRuntime(uid)

	if o.store.Get(uid) != nil {
		if err := o.store.Remove(uid); err != nil {
			o.logf("untrack runtime %s: %v", uid, err)
		}
		o.notifyGone(uid, protocol.GoneTerminated)
		o.notifyUpdated()
	}
	o.logf("runtime %s flagged terminated externally", uid)
}

// Runtimes returns the tracked runtimes.
func (o *Orchestrator) Runtimes() []protocol.Runtime {
	list := o.store.List()
	out := make([]protocol.Runtime, 0, len(list))
	for _, rt := range list {
		out = append(out, *rt)
	}
	return out
}

// Environments lists the environments runtimes can be created in.
func (o *Orchestrator) Environments(ctx context.Context) ([]protocol.Environment, error) {
	return o.cp.ListEnvironments(ctx)
}

// Close stops all expiry timers. Tracked runtimes are left running.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for uid, t := range o.timers {
		t.Stop()
		delete(o.timers, uid)
	}
}

// terminate runs the ordered teardown. The order matters: kernels are
// shut down while the runtime is still reachable, adapters and proxied
// connections are dropped before the runtime is flagged gone, and the
// terminated flag is set synchronously so no new connection can open
// against a runtime that is mid-teardown.
func (o *Orchestrator) terminate(ctx context.Context, uid, reason string) error {
	o.mu.Lock()
	if o.terminating[uid] {
		o.mu.Unlock()
		return nil
	}
	o.terminating[uid] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.terminating, uid)
		o.mu.Unlock()
	}()

	rt := o.store.Get(uid)
	if rt == nil {
		// Unknown or already removed. Flag it anyway so a late open is
		// still refused.
		o.registry.MarkTerminated(uid)
		return nil
	}
	o.logf("terminating runtime %s (pod %s, reason %s)", uid, rt.PodName, reason)

	// A create still in flight for the same owner must not resurface
	// the runtime after we are done.
	o.mu.Lock()
	if att := o.inflight[rt.Owner]; att != nil {
		att.canceled = true
	}
	listeners := append([]func(string){}, o.teardown...)
	o.mu.Unlock()

	// Best effort. The runtime may be unreachable or the remote side
	// may have reaped the kernels already.
	if rt.Ingress != "" {
		if err := o.gateway.ShutdownAll(ctx, rt.Ingress, rt.Token); err != nil {
			o.logf("kernel shutdown for %s: %v", uid, err)
		}
	}

	for _, fn := range listeners {
		fn(uid)
	}
	o.conns.CloseConnectionsForRuntime(uid)

	o.registry.MarkTerminated(uid)

	o.mu.Lock()
	if t := o.timers[uid]; t != nil {
		t.Stop()
		delete(o.timers, uid)
	}
	o.mu.Unlock()

	// An expired runtime is already gone on the control plane side.
	var deleteErr error
	if reason != protocol.GoneExpired {
		if err := o.cp.DeleteRuntime(ctx, rt.PodName); err != nil {
			deleteErr = fmt.Errorf("delete runtime %s: %w", uid, err)
			o.logf("%v", deleteErr)
		}
	}

	if err := o.store.Remove(uid); err != nil {
		o.logf("untrack runtime %s: %v", uid, err)
	}
	o.notifyGone(uid, reason)
	o.notifyUpdated()
	return deleteErr
}

// armExpiry schedules teardown at the runtime's expiry. A runtime that
// is already past its expiry is torn down right away.
func (o *Orchestrator) armExpiry(rt *protocol.Runtime) {
	expires := rt.ExpiredAt.Time()
	if expires.IsZero() {
		return
	}
	uid := rt.UID
	d := time.Until(expires)
	if d <= 0 {
		go o.expire(uid)
		return
	}

	o.mu.Lock()
	if t := o.timers[uid]; t != nil {
		t.Stop()
	}
	o.timers[uid] = time.AfterFunc(d, func() { o.expire(uid) })
	o.mu.Unlock()
}

func (o *Orchestrator) expire(uid string) {
	o.logf("runtime %s reached its expiry", uid)
	if err := o.terminate(context.Background(), uid, protocol.GoneExpired); err != nil {
		o.logf("expire runtime %s: %v", uid, err)
	}
}

func (o *Orchestrator) notifyUpdated() {
	if o.notifier != nil {
		o.notifier.RuntimesUpdated(o.Runtimes())
	}
}

func (o *Orchestrator) notifyGone(uid, reason string) {
	if o.notifier != nil {
		o.notifier.RuntimeGone(uid, reason)
	}
}
