package zerofish

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	defaultSkillLevel = 20
	maxSkillLevel     = 20
)

// Limit is the termination condition of a search. Exactly one of Depth, MoveTime or
// Nodes must be set on every SearchSpec.
type Limit interface {
	goCommand() string
	valid() bool
}

type Depth int

type MoveTime time.Duration

type Nodes int

func (d Depth) goCommand() string { return "go depth " + strconv.Itoa(int(d)) }
func (d Depth) valid() bool       { return d > 0 }

func (m MoveTime) goCommand() string {
	millis := time.Duration(m).Milliseconds()
	if millis < 1 {
		millis = 1
	}
	return "go movetime " + strconv.FormatInt(millis, 10)
}
func (m MoveTime) valid() bool { return m > 0 }

func (n Nodes) goCommand() string { return "go nodes " + strconv.Itoa(int(n)) }
func (n Nodes) valid() bool       { return n > 0 }

type SearchSpec struct {
	Limit Limit
	// MultiPV is the number of principal variations; 0 means 1.
	MultiPV int
	// Level and Elo limit the strength of the primary engine and are ignored otherwise.
	Level *int
	Elo   int
}

func (s SearchSpec) validate(maxMultiPV int) error {
	if s.Limit == nil {
		return fmt.Errorf("%w: missing depth, movetime or nodes", ErrInvalidSearchSpec)
	}
	if !s.Limit.valid() {
		return fmt.Errorf("%w: limit must be positive", ErrInvalidSearchSpec)
	}
	if s.MultiPV < 0 {
		return fmt.Errorf("%w: multipv must be >= 0", ErrInvalidSearchSpec)
	}
	if s.MultiPV > maxMultiPV {
		return fmt.Errorf("%w: multipv %d exceeds configured max %d", ErrInvalidSearchSpec, s.MultiPV, maxMultiPV)
	}
	if s.Level != nil && (*s.Level < 0 || *s.Level > maxSkillLevel) {
		return fmt.Errorf("%w: level must be within 0..%d", ErrInvalidSearchSpec, maxSkillLevel)
	}
	if s.Elo < 0 {
		return fmt.Errorf("%w: elo must be >= 0", ErrInvalidSearchSpec)
	}
	return nil
}

func (s SearchSpec) multiPV() int {
	if s.MultiPV <= 0 {
		return 1
	}
	return s.MultiPV
}

// searchCommands returns the option, position and go commands for one search, in order.
func searchCommands(kind Kind, pos Position, spec SearchSpec) ([]string, error) {
	position, err := positionCommand(pos)
	if err != nil {
		return nil, err
	}

	commands := []string{setOption("MultiPV", strconv.Itoa(spec.multiPV()))}
	if kind == KindPrimary {
		level := defaultSkillLevel
		if spec.Level != nil {
			level = *spec.Level
		}
		commands = append(commands, setOption("Skill Level", strconv.Itoa(level)))
		if spec.Elo > 0 {
			commands = append(commands,
				setOption("UCI_LimitStrength", "true"),
				setOption("UCI_Elo", strconv.Itoa(spec.Elo)),
			)
		} else {
			commands = append(commands, setOption("UCI_LimitStrength", "false"))
		}
	}
	return append(commands, position, spec.Limit.goCommand()), nil
}

func positionCommand(pos Position) (string, error) {
	var b strings.Builder
	b.WriteString("position ")
	if strings.TrimSpace(pos.FEN) == "" {
		b.WriteString("startpos")
	} else {
		fen, err := normalizeFEN(pos.FEN)
		if err != nil {
			return "", err
		}
		b.WriteString("fen ")
		b.WriteString(fen)
	}
	if len(pos.Moves) > 0 {
		b.WriteString(" moves")
		for _, move := range pos.Moves {
			if move == "" || strings.ContainsAny(move, " \t\r\n") {
				return "", fmt.Errorf("%w: invalid move %q", ErrInvalidSearchSpec, move)
			}
			b.WriteByte(' ')
			b.WriteString(move)
		}
	}
	return b.String(), nil
}

func setOption(name, value string) string {
	return "setoption name " + name + " value " + value
}

func normalizeFEN(fen string) (string, error) {
	trimmed := strings.TrimSpace(fen)
	if trimmed == "" {
		return "", fmt.Errorf("%w: fen must not be empty", ErrInvalidSearchSpec)
	}
	if strings.ContainsAny(trimmed, "\r\n") {
		return "", fmt.Errorf("%w: fen must be single-line", ErrInvalidSearchSpec)
	}
	return trimmed, nil
}
