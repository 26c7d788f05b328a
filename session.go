package zerofish

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// session accumulates the info lines of one search until its bestmove arrives.
// It settles exactly once; later events are ignored.
type session struct {
	id      string
	kind    Kind
	multiPV int

	mu       sync.Mutex
	lines    []Line
	received []bool
	settled  bool
	result   SearchResult
	err      error
	done     chan struct{}
}

func newSession(kind Kind, multiPV int) *session {
	if multiPV < 1 {
		multiPV = 1
	}
	lines := make([]Line, multiPV)
	for i := range lines {
		lines[i].MultiPV = i + 1
	}
	return &session{
		id:       uuid.NewString(),
		kind:     kind,
		multiPV:  multiPV,
		lines:    lines,
		received: make([]bool, multiPV),
		done:     make(chan struct{}),
	}
}

// handle applies ev and reports whether the session is settled afterwards.
func (s *session) handle(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settled {
		return true
	}

	switch ev := ev.(type) {
	case Info:
		s.applyInfo(ev)
	case BestMove:
		s.result = SearchResult{
			SessionID: s.id,
			Kind:      s.kind,
			BestMove:  ev.Move,
			Ponder:    ev.Ponder,
			Lines:     s.snapshotLines(ev.Move),
		}
		s.settle()
	}
	return s.settled
}

func (s *session) applyInfo(info Info) {
	if info.MultiPV < 1 || info.MultiPV > s.multiPV {
		return
	}
	idx := info.MultiPV - 1
	line := &s.lines[idx]
	if info.Depth > line.Depth && len(info.Moves) > 0 {
		line.Scores = append(line.Scores, info.Score)
		line.Depth = info.Depth
	}
	line.Moves = append([]string(nil), info.Moves...)
	s.received[idx] = true
}

// snapshotLines returns one line per requested PV, indexed by rank. PVs the engine never
// reported stay empty; PV 1 falls back to the bestmove itself.
func (s *session) snapshotLines(bestMove string) []Line {
	lines := make([]Line, s.multiPV)
	for i, line := range s.lines {
		if s.received[i] {
			line.Moves = append([]string(nil), line.Moves...)
			line.Scores = append([]int(nil), line.Scores...)
		}
		lines[i] = line
	}
	if !s.received[0] {
		lines[0] = Line{MultiPV: 1, Moves: []string{bestMove}, Scores: []int{0}}
	}
	return lines
}

// reject settles the session with err unless it already settled.
func (s *session) reject(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settled {
		return false
	}
	s.err = err
	s.settle()
	return true
}

func (s *session) settle() {
	s.settled = true
	close(s.done)
}

func (s *session) isSettled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settled
}

// wait blocks until the session settles or ctx ends.
func (s *session) wait(ctx context.Context) (SearchResult, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.result, s.err
	case <-ctx.Done():
		return SearchResult{}, ctx.Err()
	}
}
