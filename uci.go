package zerofish

import (
	"strconv"
	"strings"
)

// MateScore is the magnitude used for mate scores. Mate in n maps to MateScore-n and
// being mated in n maps to -MateScore+n, so every mate orders beyond any centipawn score.
const MateScore = 100000

// Event is a classified engine output line.
type Event interface {
	event()
}

type BestMove struct {
	Move   string
	Ponder string
}

type Info struct {
	Depth   int
	MultiPV int
	Score   int
	Mate    bool
	Moves   []string
}

type ReadyOk struct{}

// Unknown carries any line that is not a position update, bestmove or readyok.
type Unknown struct {
	Raw string
}

func (BestMove) event() {}
func (Info) event()     {}
func (ReadyOk) event()  {}
func (Unknown) event()  {}

// ParseLine classifies one line of engine output. Fields are located by their marker
// tokens, never by position, since optional fields such as nps or hashfull move the rest.
func ParseLine(line string) Event {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Unknown{Raw: line}
	}
	switch fields[0] {
	case "bestmove":
		if bestMove, ok := parseBestMove(fields); ok {
			return bestMove
		}
	case "readyok":
		return ReadyOk{}
	case "info":
		if info, ok := parseInfo(fields); ok {
			return info
		}
	}
	return Unknown{Raw: line}
}

func parseBestMove(fields []string) (BestMove, bool) {
	if len(fields) < 2 {
		return BestMove{}, false
	}
	bestMove := BestMove{Move: fields[1]}
	for i := 2; i+1 < len(fields); i++ {
		if fields[i] == "ponder" {
			bestMove.Ponder = fields[i+1]
			break
		}
	}
	return bestMove, true
}

func parseInfo(fields []string) (Info, bool) {
	info := Info{MultiPV: 1}
	var hasDepth, hasScore bool

	for i := 1; i < len(fields); i++ {
		switch fields[i] {
		case "string":
			return Info{}, false
		case "depth", "multipv", "cp", "mate":
			if i+1 >= len(fields) {
				return Info{}, false
			}
			value, err := strconv.Atoi(fields[i+1])
			if err != nil {
				return Info{}, false
			}
			switch fields[i] {
			case "depth":
				info.Depth = value
				hasDepth = true
			case "multipv":
				info.MultiPV = value
			case "cp":
				info.Score = value
				info.Mate = false
				hasScore = true
			case "mate":
				info.Score = mateScore(value)
				info.Mate = true
				hasScore = true
			}
			i++
		case "pv":
			info.Moves = append([]string(nil), fields[i+1:]...)
			i = len(fields)
		}
	}

	if !hasDepth || !hasScore || len(info.Moves) == 0 {
		return Info{}, false
	}
	return info, true
}

func mateScore(moves int) int {
	if moves > 0 {
		return MateScore - moves
	}
	return -MateScore - moves
}
