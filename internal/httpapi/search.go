package httpapi

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/notnil/chess"

	zerofish "github.com/RajanDhamala/go-zerofish"
)

type searchRequest struct {
	FEN   string   `json:"fen"`
	Moves []string `json:"moves"`

	// PGN replaces fen and moves when set.
	PGN string `json:"pgn"`

	Network string `json:"network"`

	Depth      int  `json:"depth"`
	MoveTimeMS int  `json:"movetime_ms"`
	Nodes      int  `json:"nodes"`
	MultiPV    int  `json:"multipv"`
	Level      *int `json:"level"`
	Elo        int  `json:"elo"`
	TimeoutMS  int  `json:"timeout_ms"`
}

type lineDTO struct {
	MultiPV int      `json:"multipv"`
	Moves   []string `json:"moves"`
	Scores  []int    `json:"scores"`
	Depth   int      `json:"depth"`
}

type searchResponse struct {
	SessionID string    `json:"session_id"`
	Engine    string    `json:"engine"`
	BestMove  string    `json:"bestmove"`
	Ponder    string    `json:"ponder,omitempty"`
	Lines     []lineDTO `json:"lines"`
}

type slotDTO struct {
	Network string `json:"network"`
	Worker  int    `json:"worker"`
	Rank    int    `json:"rank"`
}

type slotsResponse struct {
	Slots     []slotDTO `json:"slots"`
	Hits      int64     `json:"hits"`
	Loads     int64     `json:"loads"`
	Evictions int64     `json:"evictions"`
	Failures  int64     `json:"failures"`
}

func (req searchRequest) toSearch() (zerofish.Position, zerofish.SearchSpec, error) {
	pos := zerofish.Position{FEN: req.FEN, Moves: req.Moves}
	if strings.TrimSpace(req.PGN) != "" {
		if req.FEN != "" || len(req.Moves) > 0 {
			return zerofish.Position{}, zerofish.SearchSpec{}, errors.New("pgn cannot be combined with fen or moves")
		}
		var err error
		pos, err = positionFromPGN(req.PGN)
		if err != nil {
			return zerofish.Position{}, zerofish.SearchSpec{}, err
		}
	}

	var limits []zerofish.Limit
	if req.Depth != 0 {
		limits = append(limits, zerofish.Depth(req.Depth))
	}
	if req.MoveTimeMS != 0 {
		limits = append(limits, zerofish.MoveTime(time.Duration(req.MoveTimeMS)*time.Millisecond))
	}
	if req.Nodes != 0 {
		limits = append(limits, zerofish.Nodes(req.Nodes))
	}
	if len(limits) > 1 {
		return zerofish.Position{}, zerofish.SearchSpec{}, errors.New("set only one of depth, movetime_ms or nodes")
	}

	spec := zerofish.SearchSpec{MultiPV: req.MultiPV, Level: req.Level, Elo: req.Elo}
	if len(limits) == 1 {
		spec.Limit = limits[0]
	}
	return pos, spec, nil
}

var (
	pgnTag        = regexp.MustCompile(`^\[(\w+)\s+"(.*)"\]$`)
	pgnMoveNumber = regexp.MustCompile(`^\d+\.+`)
)

// positionFromPGN converts a PGN game into its initial position and UCI move list.
// Every SAN token must apply to the game; one that does not fails the conversion.
func positionFromPGN(pgn string) (zerofish.Position, error) {
	tags, movetext := splitPGN(pgn)

	var options []func(*chess.Game)
	if fen := tags["FEN"]; fen != "" {
		option, err := chess.FEN(fen)
		if err != nil {
			return zerofish.Position{}, fmt.Errorf("invalid PGN FEN tag: %w", err)
		}
		options = append(options, option)
	}
	game := chess.NewGame(options...)

	for _, token := range sanTokens(movetext) {
		if err := game.MoveStr(token); err != nil {
			return zerofish.Position{}, fmt.Errorf("invalid PGN move %q: %w", token, err)
		}
	}

	positions := game.Positions()
	moves := game.Moves()
	pos := zerofish.Position{Moves: make([]string, 0, len(moves))}
	for i, move := range moves {
		pos.Moves = append(pos.Moves, chess.UCINotation{}.Encode(positions[i], move))
	}
	if start := positions[0].String(); start != chess.NewGame().Position().String() {
		pos.FEN = start
	}
	return pos, nil
}

func splitPGN(pgn string) (map[string]string, string) {
	tags := make(map[string]string)
	var movetext strings.Builder
	for _, line := range strings.Split(pgn, "\n") {
		line = strings.TrimSpace(line)
		if m := pgnTag.FindStringSubmatch(line); m != nil {
			tags[m[1]] = m[2]
			continue
		}
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		movetext.WriteString(line)
		movetext.WriteByte(' ')
	}
	return tags, movetext.String()
}

// sanTokens strips comments, variations, move numbers, NAGs and the result from movetext.
func sanTokens(movetext string) []string {
	var (
		b     strings.Builder
		depth int
	)
	for _, r := range movetext {
		switch {
		case r == '{' || r == '(':
			depth++
		case r == '}' || r == ')':
			if depth > 0 {
				depth--
			}
			b.WriteByte(' ')
		case depth == 0:
			b.WriteRune(r)
		}
	}

	var tokens []string
	for _, field := range strings.Fields(b.String()) {
		field = pgnMoveNumber.ReplaceAllString(field, "")
		switch {
		case field == "", strings.HasPrefix(field, "$"):
		case field == "1-0", field == "0-1", field == "1/2-1/2", field == "*":
		default:
			tokens = append(tokens, field)
		}
	}
	return tokens
}

func toSearchResponse(result zerofish.SearchResult) searchResponse {
	resp := searchResponse{
		SessionID: result.SessionID,
		Engine:    result.Kind.String(),
		BestMove:  result.BestMove,
		Ponder:    result.Ponder,
		Lines:     make([]lineDTO, 0, len(result.Lines)),
	}
	for _, line := range result.Lines {
		resp.Lines = append(resp.Lines, lineDTO{
			MultiPV: line.MultiPV,
			Moves:   line.Moves,
			Scores:  line.Scores,
			Depth:   line.Depth,
		})
	}
	return resp
}
