package zerofish

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Pool coordinates a fixed set of engine workers. Primary searches always run on worker
// 0; network searches run on whichever worker the slot cache assigns to the network.
type Pool struct {
	cfg     validatedConfig
	log     zerolog.Logger
	workers []*worker
	slots   *slotCache

	ctx    context.Context
	cancel context.CancelFunc

	closed    atomic.Bool
	closeOnce sync.Once
}

func New(ctx context.Context, cfg Config) (*Pool, error) {
	normalized, err := validateConfig(cfg)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	poolCtx, cancel := context.WithCancel(ctx)
	p := &Pool{
		cfg:    normalized,
		log:    normalized.logger,
		ctx:    poolCtx,
		cancel: cancel,
	}

	instances := make([]Instance, normalized.poolSize)
	g, startCtx := errgroup.WithContext(poolCtx)
	for i := range instances {
		g.Go(func() error {
			workerCtx, workerCancel := context.WithTimeout(startCtx, normalized.startTimeout)
			defer workerCancel()
			inst, startErr := normalized.factory(workerCtx, i)
			if startErr != nil {
				return &OpError{Op: fmt.Sprintf("start worker %d", i), Err: startErr}
			}
			instances[i] = inst
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		cancel()
		for _, inst := range instances {
			if inst != nil {
				_ = quitInstance(inst, normalized.shutdownTimeout)
			}
		}
		return nil, err
	}

	slots, err := newSlotCache(poolCtx, normalized.poolSize, p.loadSlot, p.log)
	if err != nil {
		cancel()
		for _, inst := range instances {
			_ = quitInstance(inst, normalized.shutdownTimeout)
		}
		return nil, err
	}
	p.slots = slots

	p.workers = make([]*worker, len(instances))
	for i, inst := range instances {
		p.workers[i] = newWorker(i, inst, p.log, normalized.onLine, p.engineFailed)
	}

	p.log.Info().
		Int("pool_size", normalized.poolSize).
		Int("max_multipv", normalized.maxMultiPV).
		Msg("engine pool started")
	return p, nil
}

// SearchPrimary runs a search on the primary engine of worker 0.
func (p *Pool) SearchPrimary(ctx context.Context, pos Position, spec SearchSpec) (SearchResult, error) {
	if err := p.checkOpen(); err != nil {
		return SearchResult{}, err
	}
	if err := spec.validate(p.cfg.maxMultiPV); err != nil {
		return SearchResult{}, err
	}
	commands, err := searchCommands(KindPrimary, pos, spec)
	if err != nil {
		return SearchResult{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	w := p.workers[0]
	if err := w.acquire(ctx, KindPrimary); err != nil {
		return SearchResult{}, err
	}
	defer w.release(KindPrimary)
	return p.search(ctx, w, KindPrimary, commands, spec.multiPV())
}

// SearchWithResource runs a search on the network-driven engine holding key, loading
// the network into a slot first when it is not resident.
func (p *Pool) SearchWithResource(ctx context.Context, pos Position, key ResourceKey, spec SearchSpec) (SearchResult, error) {
	if err := p.checkOpen(); err != nil {
		return SearchResult{}, err
	}
	if err := spec.validate(p.cfg.maxMultiPV); err != nil {
		return SearchResult{}, err
	}
	if strings.TrimSpace(string(key)) == "" {
		return SearchResult{}, fmt.Errorf("%w: empty network key", ErrInvalidSearchSpec)
	}
	commands, err := searchCommands(KindResource, pos, spec)
	if err != nil {
		return SearchResult{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		index, err := p.slots.Resolve(ctx, key)
		if err != nil {
			return SearchResult{}, err
		}
		w := p.workers[index]
		if err := w.acquire(ctx, KindResource); err != nil {
			return SearchResult{}, err
		}
		// The slot may have been handed to another network between resolve and acquire.
		if w.loaded() != key {
			w.release(KindResource)
			continue
		}
		result, err := p.search(ctx, w, KindResource, commands, spec.multiPV())
		w.release(KindResource)
		return result, err
	}
}

// search issues commands and waits for the session's bestmove. The caller holds the
// kind lock of w.
func (p *Pool) search(ctx context.Context, w *worker, kind Kind, commands []string, multiPV int) (SearchResult, error) {
	s := newSession(kind, multiPV)
	if err := w.install(kind, s); err != nil {
		return SearchResult{}, err
	}
	log := w.log.With().Str("kind", kind.String()).Str("session", s.id).Logger()

	for _, command := range commands {
		if err := w.send(kind, command); err != nil {
			s.reject(err)
			w.uninstall(kind, s)
			return SearchResult{}, err
		}
	}
	log.Debug().Str("go", commands[len(commands)-1]).Msg("search started")

	result, err := s.wait(ctx)
	if err == nil || ctx.Err() == nil {
		return result, err
	}

	// The caller gave up. Ask the engine to finish so the slot is clean for the next search.
	if stopErr := w.send(kind, "stop"); stopErr == nil {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), p.cfg.drainTimeout)
		_, _ = s.wait(drainCtx)
		drainCancel()
	}
	if w.abandon(kind, s, ctx.Err()) {
		log.Warn().Msg("engine did not answer stop before drain timeout")
	}
	return SearchResult{}, ctx.Err()
}

// engineFailed takes a worker whose network-driven engine died out of the slot rotation,
// so its networks get reloaded on a live worker.
func (p *Pool) engineFailed(index int, kind Kind) {
	if kind == KindResource {
		p.slots.Retire(index)
	}
}

func (p *Pool) loadSlot(ctx context.Context, index int, key ResourceKey) error {
	w := p.workers[index]
	if err := w.usable(KindResource); err != nil {
		return err
	}
	data, err := p.cfg.fetcher.Fetch(ctx, key)
	if err != nil {
		return err
	}
	if err := w.acquire(ctx, KindResource); err != nil {
		return err
	}
	defer w.release(KindResource)
	return w.loadResource(ctx, key, data)
}

// Stop asks every engine to finish its current search. Pending searches still settle
// from the bestmove the engines send in reply.
func (p *Pool) Stop() error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	return p.broadcast("stop")
}

// Reset stops all searches and starts a new game on every engine. Loaded networks stay.
func (p *Pool) Reset() error {
	if err := p.Stop(); err != nil {
		return err
	}
	return p.broadcast("ucinewgame")
}

// Send writes a raw command to one engine.
func (p *Pool) Send(index int, kind Kind, command string) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if index < 0 || index >= len(p.workers) {
		return fmt.Errorf("worker %d out of range [0, %d)", index, len(p.workers))
	}
	if strings.ContainsAny(command, "\r\n") {
		return fmt.Errorf("command must be single-line")
	}
	return p.workers[index].send(kind, command)
}

// Quit stops all searches and terminates every engine. The pool is unusable afterwards.
func (p *Pool) Quit(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var quitErr error
	p.closeOnce.Do(func() {
		_ = p.broadcast("stop")
		p.closed.Store(true)

		g := new(errgroup.Group)
		for _, w := range p.workers {
			g.Go(func() error {
				quitCtx, quitCancel := context.WithTimeout(ctx, p.cfg.shutdownTimeout)
				defer quitCancel()
				return w.quit(quitCtx)
			})
		}
		quitErr = g.Wait()
		p.cancel()
		p.log.Info().Msg("engine pool stopped")
	})
	return quitErr
}

// Slots lists the resident networks, most recently used first.
func (p *Pool) Slots() []SlotEntry {
	return p.slots.Entries()
}

func (p *Pool) SlotStats() SlotStats {
	return p.slots.Stats()
}

func (p *Pool) Size() int {
	return len(p.workers)
}

func (p *Pool) broadcast(command string) error {
	g := new(errgroup.Group)
	for _, w := range p.workers {
		for _, kind := range w.caps.Kinds() {
			if err := w.usable(kind); err != nil {
				p.log.Debug().Err(err).Str("command", command).Msg("skipping unusable engine")
				continue
			}
			g.Go(func() error {
				return w.send(kind, command)
			})
		}
	}
	return g.Wait()
}

func (p *Pool) checkOpen() error {
	if p.closed.Load() {
		return fmt.Errorf("%w: pool has quit", ErrEngineUnavailable)
	}
	return nil
}

func quitInstance(inst Instance, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return inst.Quit(ctx)
}
