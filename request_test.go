package zerofish

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func TestSearchCommandsPrimary(t *testing.T) {
	commands, err := searchCommands(KindPrimary, Position{Moves: []string{"e2e4", "e7e5"}}, SearchSpec{
		Limit:   Depth(12),
		MultiPV: 3,
	})
	if err != nil {
		t.Fatalf("searchCommands() error = %v", err)
	}
	want := []string{
		"setoption name MultiPV value 3",
		"setoption name Skill Level value 20",
		"setoption name UCI_LimitStrength value false",
		"position startpos moves e2e4 e7e5",
		"go depth 12",
	}
	if !reflect.DeepEqual(commands, want) {
		t.Fatalf("commands = %q\nwant %q", commands, want)
	}
}

func TestSearchCommandsLimitStrength(t *testing.T) {
	commands, err := searchCommands(KindPrimary, Position{FEN: " 8/8/8/8/8/8/8/K6k w - - 0 1 "}, SearchSpec{
		Limit: MoveTime(250 * time.Millisecond),
		Level: intPtr(3),
		Elo:   1500,
	})
	if err != nil {
		t.Fatalf("searchCommands() error = %v", err)
	}
	want := []string{
		"setoption name MultiPV value 1",
		"setoption name Skill Level value 3",
		"setoption name UCI_LimitStrength value true",
		"setoption name UCI_Elo value 1500",
		"position fen 8/8/8/8/8/8/8/K6k w - - 0 1",
		"go movetime 250",
	}
	if !reflect.DeepEqual(commands, want) {
		t.Fatalf("commands = %q\nwant %q", commands, want)
	}
}

func TestSearchCommandsResourceSkipsStrength(t *testing.T) {
	commands, err := searchCommands(KindResource, Position{}, SearchSpec{
		Limit: Nodes(1),
		Level: intPtr(1),
		Elo:   1200,
	})
	if err != nil {
		t.Fatalf("searchCommands() error = %v", err)
	}
	want := []string{
		"setoption name MultiPV value 1",
		"position startpos",
		"go nodes 1",
	}
	if !reflect.DeepEqual(commands, want) {
		t.Fatalf("commands = %q\nwant %q", commands, want)
	}
}

func TestSearchCommandsRejectsBadMoves(t *testing.T) {
	for _, move := range []string{"", "e2e4\nquit", "e2 e4"} {
		_, err := searchCommands(KindPrimary, Position{Moves: []string{move}}, SearchSpec{Limit: Depth(1)})
		if !errors.Is(err, ErrInvalidSearchSpec) {
			t.Fatalf("move %q: err = %v, want ErrInvalidSearchSpec", move, err)
		}
	}
}

func TestMoveTimeRoundsUpToOneMillisecond(t *testing.T) {
	if got := MoveTime(200 * time.Microsecond).goCommand(); got != "go movetime 1" {
		t.Fatalf("goCommand() = %q", got)
	}
}

func TestSearchSpecValidate(t *testing.T) {
	tests := []struct {
		name string
		spec SearchSpec
		ok   bool
	}{
		{"depth", SearchSpec{Limit: Depth(1)}, true},
		{"max multipv", SearchSpec{Limit: Depth(1), MultiPV: 5}, true},
		{"level bounds", SearchSpec{Limit: Nodes(10), Level: intPtr(0)}, true},
		{"missing limit", SearchSpec{}, false},
		{"zero depth", SearchSpec{Limit: Depth(0)}, false},
		{"negative movetime", SearchSpec{Limit: MoveTime(-time.Second)}, false},
		{"zero nodes", SearchSpec{Limit: Nodes(0)}, false},
		{"negative multipv", SearchSpec{Limit: Depth(1), MultiPV: -1}, false},
		{"multipv above max", SearchSpec{Limit: Depth(1), MultiPV: 6}, false},
		{"level above max", SearchSpec{Limit: Depth(1), Level: intPtr(21)}, false},
		{"negative level", SearchSpec{Limit: Depth(1), Level: intPtr(-1)}, false},
		{"negative elo", SearchSpec{Limit: Depth(1), Elo: -5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.validate(5)
			if tt.ok && err != nil {
				t.Fatalf("validate() error = %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidSearchSpec) {
				t.Fatalf("validate() error = %v, want ErrInvalidSearchSpec", err)
			}
		})
	}
}

func TestNormalizeFEN(t *testing.T) {
	fen, err := normalizeFEN("  rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1  ")
	if err != nil {
		t.Fatalf("normalizeFEN() error = %v", err)
	}
	if fen != "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1" {
		t.Fatalf("normalizeFEN() = %q", fen)
	}
}

func TestNormalizeFENRejectsNewLine(t *testing.T) {
	_, err := normalizeFEN("8/8/8/8/8/8/8/8 w - - 0 1\nisready")
	if !errors.Is(err, ErrInvalidSearchSpec) {
		t.Fatalf("expected newline rejection, got %v", err)
	}
}
