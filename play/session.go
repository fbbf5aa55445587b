package play

import (
	"context"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/Titanium-SS/CheckMate/IO"
	"github.com/Titanium-SS/CheckMate/generate"
	"github.com/Titanium-SS/CheckMate/utils"
)

// Commands accepted in place of a move.
const (
	CmdShowMoves = `\m`
	CmdUndo      = `\b`
)

// SAN shape only; legality on the board is not checked.
var moveFormat = regexp.MustCompile(`^(O-O|O-O-O|[KQBNR]?[a-h]?[1-8]?[x-]?[a-h][1-8](=[QRBN])?)[+#]?$`)

// ValidMoveFormat reports whether move looks like a SAN move.
func ValidMoveFormat(move string) bool { return moveFormat.MatchString(move) }

// Predictor is satisfied by *generate.Engine.
type Predictor interface {
	Predict(ctx context.Context, req generate.Request) generate.Result
}

type EventKind int

const (
	EventMoves EventKind = iota
	EventUndo
	EventBadFormat
	EventMove
	EventIllegal
	EventUnhandled
	EventGameOver
)

// Event is what one line of input did to the session.
type Event struct {
	Kind  EventKind
	White string // the human move, when one was played
	Black string // the engine reply on EventMove
	Moves string // the sequence after the event
	Err   error
}

// Session is one game: the human plays White, the engine answers as Black.
// Each accepted exchange is pushed on a stack so \b can take it back.
type Session struct {
	engine      Predictor
	log         *IO.MoveLog
	temperature float64
	nPositions  int
	boards      []string
}

// NewSession starts from "<bos>". log may be nil.
func NewSession(engine Predictor, log *IO.MoveLog, temperature float64, nPositions int) *Session {
	return &Session{
		engine:      engine,
		log:         log,
		temperature: temperature,
		nPositions:  nPositions,
		boards:      []string{IO.BosToken},
	}
}

// Moves is the current sequence, starting with <bos>.
func (s *Session) Moves() string { return s.boards[len(s.boards)-1] }

// Over is true once the sequence fills n_positions or ends with <eos>.
func (s *Session) Over() bool {
	toks := strings.Split(s.Moves(), " ")
	return len(toks) >= s.nPositions || toks[len(toks)-1] == IO.EosToken
}

// Undo drops the last full exchange. The opening position cannot be undone.
func (s *Session) Undo() bool {
	if len(s.boards) <= 1 {
		return false
	}
	s.boards = s.boards[:len(s.boards)-1]
	return true
}

// Handle applies one line of input: a command or White's move.
func (s *Session) Handle(ctx context.Context, input string) Event {
	input = strings.TrimSpace(input)
	switch {
	case s.Over():
		return Event{Kind: EventGameOver, Moves: s.Moves()}
	case input == CmdShowMoves:
		return Event{Kind: EventMoves, Moves: s.Moves()}
	case input == CmdUndo:
		s.Undo()
		return Event{Kind: EventUndo, Moves: s.Moves()}
	case !ValidMoveFormat(input):
		return Event{Kind: EventBadFormat, White: input, Moves: s.Moves()}
	}
	return s.play(ctx, input)
}

func (s *Session) play(ctx context.Context, white string) Event {
	prev := s.Moves()
	res := s.engine.Predict(ctx, generate.Request{
		Moves:          prev + " " + white,
		StopAtNextMove: true,
		Temperature:    s.temperature,
	})
	switch res.Status {
	case generate.StatusOK:
	case generate.StatusIllegalMove:
		return Event{Kind: EventIllegal, White: white, Moves: prev, Err: res.Err}
	default:
		utils.Warnf("engine failed after %s: %v", white, res.Err)
		return Event{Kind: EventUnhandled, White: white, Moves: prev, Err: res.Err}
	}

	s.boards = append(s.boards, res.Moves)
	ev := Event{Kind: EventMove, White: white, Moves: res.Moves}
	if res.Generated > 0 {
		ev.Black = res.LastMove()
	}
	if s.log != nil {
		err := s.log.Append("White", white)
		if err == nil && ev.Black != "" {
			err = s.log.Append("Black", ev.Black)
		}
		if err != nil {
			ev.Err = errors.Wrap(err, "move log")
			utils.Warnf("%v", ev.Err)
		}
	}
	return ev
}
