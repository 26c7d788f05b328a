package zerofish

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSearchSpec  = errors.New("zerofish: invalid search spec")
	ErrEngineUnavailable  = errors.New("zerofish: engine unavailable")
	ErrResourceLoadFailed = errors.New("zerofish: resource load failed")
	ErrSessionActive      = errors.New("zerofish: search session already active")
)

// Kind identifies one of the engines a worker can host.
type Kind int

const (
	// KindPrimary is the classical search engine (stockfish).
	KindPrimary Kind = iota
	// KindResource is the network-driven engine whose weights are loaded per slot (lc0).
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindPrimary:
		return "primary"
	case KindResource:
		return "resource"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Capabilities is the set of engine kinds an Instance hosts.
type Capabilities uint8

const (
	CapPrimary Capabilities = 1 << iota
	CapResource
)

// Has reports whether the capability set contains kind.
func (c Capabilities) Has(kind Kind) bool {
	switch kind {
	case KindPrimary:
		return c&CapPrimary != 0
	case KindResource:
		return c&CapResource != 0
	}
	return false
}

// Kinds lists the hosted kinds in a stable order.
func (c Capabilities) Kinds() []Kind {
	kinds := make([]Kind, 0, 2)
	for _, kind := range []Kind{KindPrimary, KindResource} {
		if c.Has(kind) {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// ResourceKey names a loadable network weight set.
type ResourceKey string

// Position is a base position plus the moves played from it. An empty FEN means startpos.
type Position struct {
	FEN   string
	Moves []string
}

// Line is one principal variation. Scores holds one sample per accepted depth.
type Line struct {
	MultiPV int
	Moves   []string
	Scores  []int
	Depth   int
}

type SearchResult struct {
	SessionID string
	Kind      Kind
	BestMove  string
	Ponder    string
	Lines     []Line
}

// Score returns the newest score of the first line, or 0 when there is none.
func (r SearchResult) Score() int {
	if len(r.Lines) == 0 || len(r.Lines[0].Scores) == 0 {
		return 0
	}
	scores := r.Lines[0].Scores
	return scores[len(scores)-1]
}

// SlotEntry describes which network a worker currently holds.
type SlotEntry struct {
	Key    ResourceKey
	Worker int
	// Rank 0 is the most recently used entry.
	Rank int
}

type SlotStats struct {
	Hits      int64
	Loads     int64
	Evictions int64
	Failures  int64
}

type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("zerofish %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
