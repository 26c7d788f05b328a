package zerofish

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

const numKinds = 2

// Output is one line, or one failure, produced by an engine instance.
type Output struct {
	Kind Kind
	Line string
	Err  error
}

// Instance is one engine executor hosting the kinds reported by Capabilities.
// Commands sent to a kind are delivered in order; Output yields that kind's lines in
// emission order and is closed when the instance terminates.
type Instance interface {
	Capabilities() Capabilities
	Send(kind Kind, command string) error
	// LoadResource hands a weight payload to the resource-driven engine.
	LoadResource(data []byte) error
	Output() <-chan Output
	Quit(ctx context.Context) error
}

// Factory starts the instance for worker index.
type Factory func(ctx context.Context, index int) (Instance, error)

// LineObserver receives every raw line read from any worker.
type LineObserver func(worker int, kind Kind, line string)

type failureHook func(worker int, kind Kind)

// worker routes an instance's output to the one active session per kind.
type worker struct {
	index  int
	inst   Instance
	caps   Capabilities
	log    zerolog.Logger
	onLine LineObserver
	onFail failureHook

	locks [numKinds]chan struct{}
	done  chan struct{}

	mu       sync.Mutex
	sessions [numKinds]*session
	waiters  [numKinds][]chan error
	failed   [numKinds]error
	// abandoned counts searches given up on whose bestmove is still outstanding.
	abandoned [numKinds]int
	resource  ResourceKey
	quitting  bool
}

func newWorker(index int, inst Instance, log zerolog.Logger, onLine LineObserver, onFail failureHook) *worker {
	w := &worker{
		index:  index,
		inst:   inst,
		caps:   inst.Capabilities(),
		log:    log.With().Int("worker", index).Logger(),
		onLine: onLine,
		onFail: onFail,
		done:   make(chan struct{}),
	}
	for i := range w.locks {
		w.locks[i] = make(chan struct{}, 1)
	}
	go w.dispatch()
	return w
}

// acquire serialises searches and loads on one kind of this worker.
func (w *worker) acquire(ctx context.Context, kind Kind) error {
	select {
	case w.locks[kind] <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return w.unavailable(kind)
	}
}

func (w *worker) release(kind Kind) {
	<-w.locks[kind]
}

func (w *worker) send(kind Kind, command string) error {
	if err := w.usable(kind); err != nil {
		return err
	}
	if err := w.inst.Send(kind, command); err != nil {
		return fmt.Errorf("%w: worker %d %s: %w", ErrEngineUnavailable, w.index, kind, err)
	}
	return nil
}

func (w *worker) usable(kind Kind) error {
	if !w.caps.Has(kind) {
		return fmt.Errorf("%w: worker %d does not host the %s engine", ErrEngineUnavailable, w.index, kind)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.quitting {
		return fmt.Errorf("%w: worker %d has quit", ErrEngineUnavailable, w.index)
	}
	if w.failed[kind] != nil {
		return w.failed[kind]
	}
	return nil
}

func (w *worker) unavailable(kind Kind) error {
	if err := w.usable(kind); err != nil {
		return err
	}
	return fmt.Errorf("%w: worker %d has terminated", ErrEngineUnavailable, w.index)
}

// install makes s the line sink for kind. A still pending session is never replaced.
func (w *worker) install(kind Kind, s *session) error {
	if err := w.usable(kind); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if current := w.sessions[kind]; current != nil && !current.isSettled() {
		return fmt.Errorf("%w: worker %d %s session %s", ErrSessionActive, w.index, kind, current.id)
	}
	w.sessions[kind] = s
	return nil
}

// abandon rejects s with err unless its bestmove already arrived. A rejected session's
// bestmove is still owed by the engine, so the output up to and including it is dropped
// instead of reaching the next session on this kind.
func (w *worker) abandon(kind Kind, s *session, err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !s.reject(err) {
		return false
	}
	if w.failed[kind] == nil {
		w.abandoned[kind]++
	}
	if w.sessions[kind] == s {
		w.sessions[kind] = nil
	}
	return true
}

func (w *worker) uninstall(kind Kind, s *session) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sessions[kind] == s {
		w.sessions[kind] = nil
	}
}

// sync sends isready and waits for the matching readyok.
func (w *worker) sync(ctx context.Context, kind Kind) error {
	waiter := make(chan error, 1)
	w.mu.Lock()
	w.waiters[kind] = append(w.waiters[kind], waiter)
	w.mu.Unlock()

	if err := w.send(kind, "isready"); err != nil {
		w.dropWaiter(kind, waiter)
		return err
	}

	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return w.unavailable(kind)
	}
}

func (w *worker) dropWaiter(kind Kind, waiter chan error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, candidate := range w.waiters[kind] {
		if candidate == waiter {
			w.waiters[kind] = append(w.waiters[kind][:i], w.waiters[kind][i+1:]...)
			return
		}
	}
}

// loadResource replaces the network of the resource engine and resets its game state.
// The caller holds the resource lock.
func (w *worker) loadResource(ctx context.Context, key ResourceKey, data []byte) error {
	if err := w.usable(KindResource); err != nil {
		return err
	}
	w.setResource("")
	if err := w.inst.LoadResource(data); err != nil {
		return fmt.Errorf("worker %d: %w", w.index, err)
	}
	if err := w.send(KindResource, "ucinewgame"); err != nil {
		return err
	}
	if err := w.sync(ctx, KindResource); err != nil {
		return err
	}
	w.setResource(key)
	return nil
}

func (w *worker) setResource(key ResourceKey) {
	w.mu.Lock()
	w.resource = key
	w.mu.Unlock()
}

func (w *worker) loaded() ResourceKey {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resource
}

func (w *worker) quit(ctx context.Context) error {
	w.mu.Lock()
	if w.quitting {
		w.mu.Unlock()
		return nil
	}
	w.quitting = true
	w.mu.Unlock()
	return w.inst.Quit(ctx)
}

func (w *worker) dispatch() {
	defer close(w.done)

	for out := range w.inst.Output() {
		if out.Kind < 0 || int(out.Kind) >= numKinds {
			continue
		}
		if out.Err != nil {
			w.fail(out.Kind, out.Err)
			continue
		}
		if w.onLine != nil {
			w.onLine(w.index, out.Kind, out.Line)
		}
		w.route(out.Kind, out.Line)
	}

	for _, kind := range w.caps.Kinds() {
		w.fail(kind, fmt.Errorf("%w: worker %d output closed", ErrEngineUnavailable, w.index))
	}
}

func (w *worker) route(kind Kind, line string) {
	switch ev := ParseLine(line).(type) {
	case ReadyOk:
		w.mu.Lock()
		if len(w.waiters[kind]) > 0 {
			waiter := w.waiters[kind][0]
			w.waiters[kind] = w.waiters[kind][1:]
			waiter <- nil
		}
		w.mu.Unlock()
	case Unknown:
		w.log.Debug().Str("kind", kind.String()).Str("line", ev.Raw).Msg("unrecognised engine line")
	default:
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.abandoned[kind] > 0 {
			if _, ok := ev.(BestMove); ok {
				w.abandoned[kind]--
			}
			w.log.Debug().Str("kind", kind.String()).Str("line", line).Msg("dropping output of abandoned search")
			return
		}
		active := w.sessions[kind]
		if active != nil && active.handle(ev) {
			w.sessions[kind] = nil
		}
	}
}

// fail rejects the active session and pending readiness waits of kind only.
func (w *worker) fail(kind Kind, cause error) {
	err := fmt.Errorf("%w: worker %d %s: %w", ErrEngineUnavailable, w.index, kind, cause)

	w.mu.Lock()
	if w.failed[kind] == nil {
		w.failed[kind] = err
	}
	active := w.sessions[kind]
	w.sessions[kind] = nil
	w.abandoned[kind] = 0
	waiters := w.waiters[kind]
	w.waiters[kind] = nil
	quitting := w.quitting
	w.mu.Unlock()

	if w.onFail != nil {
		w.onFail(w.index, kind)
	}
	for _, waiter := range waiters {
		waiter <- err
	}
	if active != nil && active.reject(err) {
		w.log.Error().Err(cause).Str("kind", kind.String()).Str("session", active.id).Msg("engine failed during search")
	} else if !quitting {
		w.log.Error().Err(cause).Str("kind", kind.String()).Msg("engine failed")
	}
}
