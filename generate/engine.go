package generate

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/Titanium-SS/CheckMate/IO"
	"github.com/Titanium-SS/CheckMate/transformer"
	"github.com/Titanium-SS/CheckMate/utils"
)

var (
	// ErrIllegalMove means the model produced a token that cannot be a move,
	// or the input holds a move the vocabulary does not know.
	ErrIllegalMove = errors.New("illegal move")
	// ErrSequenceTooLong means the input already exceeds n_positions.
	ErrSequenceTooLong = errors.New("sequence longer than n_positions")
)

// Model is the part of *transformer.Transformer the engine needs. Forward
// must be safe for concurrent use (evaluation mode).
type Model interface {
	NPositions() int
	Forward(src [][]int, causal [][]bool, pad [][]bool) ([]*mat.Dense, error)
}

type Status int

const (
	StatusOK Status = iota
	StatusIllegalMove
	StatusUnhandled
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusIllegalMove:
		return "illegal move"
	default:
		return "unhandled"
	}
}

type StopReason int

const (
	StopNone StopReason = iota
	StopEOS
	StopNextMove
	StopLength
)

func (s StopReason) String() string {
	return [...]string{"none", "eos", "next move", "length"}[s]
}

type Request struct {
	// Moves is space-separated move text. A leading <bos> is added when missing.
	Moves          string
	StopAtNextMove bool
	Temperature    float64
}

// Result is the outcome of one Predict call. Moves and IDs hold the whole
// sequence (starting with <bos>) on success and the untouched input otherwise.
type Result struct {
	Status    Status
	Moves     string
	IDs       []int
	Generated int
	Stop      StopReason
	Err       error
}

// LastMove returns the final token of the sequence.
func (r Result) LastMove() string {
	if len(r.Moves) == 0 {
		return ""
	}
	for i := len(r.Moves) - 1; i >= 0; i-- {
		if r.Moves[i] == ' ' {
			return r.Moves[i+1:]
		}
	}
	return r.Moves
}

type Engine struct {
	model    Model
	tok      *IO.Tokenizer
	seed     uint64
	maxSteps int
	calls    atomic.Uint64
}

type Option func(*Engine)

// WithSeed fixes the sampling seed. Each request draws from its own stream
// derived from the seed and the request count.
func WithSeed(seed uint64) Option { return func(e *Engine) { e.seed = seed } }

// WithMaxSteps caps the number of tokens one request may add. Zero means
// n_positions is the only bound.
func WithMaxSteps(n int) Option { return func(e *Engine) { e.maxSteps = n } }

func NewEngine(model Model, tok *IO.Tokenizer, opts ...Option) *Engine {
	e := &Engine{model: model, tok: tok, seed: 1}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Predict extends req.Moves until <eos>, one new move (StopAtNextMove) or
// n_positions. It never panics; failures come back in the Result.
func (e *Engine) Predict(ctx context.Context, req Request) (res Result) {
	res = Result{Moves: req.Moves}
	defer func() {
		if r := recover(); r != nil {
			res = Result{Status: StatusUnhandled, Moves: req.Moves, Err: errors.Errorf("panic during generation: %v", r)}
			utils.Warnf("generate: %v", res.Err)
		}
	}()

	ids, err := e.tok.Encode(req.Moves)
	if err != nil {
		res.Status = StatusIllegalMove
		res.Err = errors.Wrap(ErrIllegalMove, err.Error())
		return res
	}
	if len(ids) == 0 || ids[0] != e.tok.BosID() {
		ids = append([]int{e.tok.BosID()}, ids...)
	}
	for i, id := range ids[1:] {
		if id == e.tok.BosID() || id == e.tok.PadID() {
			res.Status = StatusIllegalMove
			res.Err = errors.Wrapf(ErrIllegalMove, "reserved token at position %d", i+1)
			return res
		}
	}

	nPos := e.model.NPositions()
	if len(ids) > nPos {
		res.Status = StatusUnhandled
		res.Err = errors.Wrapf(ErrSequenceTooLong, "%d tokens, n_positions %d", len(ids), nPos)
		return res
	}

	src := rand.NewPCG(e.seed, e.calls.Add(1))
	stop := StopNone
	steps := 0
	for stop == StopNone {
		if len(ids) >= nPos || (e.maxSteps > 0 && steps >= e.maxSteps) {
			stop = StopLength
			break
		}
		if err := ctx.Err(); err != nil {
			res.Status = StatusUnhandled
			res.Err = errors.Wrap(err, "generation interrupted")
			return res
		}

		next, err := e.step(ids, req.Temperature, src)
		if err != nil {
			res.Status = StatusUnhandled
			res.Err = err
			return res
		}
		if next < 0 || next >= e.tok.VocabSize() || next == e.tok.BosID() || next == e.tok.PadID() {
			res.Status = StatusIllegalMove
			res.Err = errors.Wrapf(ErrIllegalMove, "model produced %s", e.describe(next))
			return res
		}
		ids = append(ids, next)
		steps++

		switch {
		case next == e.tok.EosID():
			stop = StopEOS
		case req.StopAtNextMove:
			stop = StopNextMove
		case len(ids) == nPos:
			stop = StopLength
		}
	}

	text, err := e.tok.Decode(ids)
	if err != nil {
		res.Status = StatusUnhandled
		res.Err = err
		return res
	}
	utils.Debugf("generate: %d new token(s), stop=%s", steps, stop)
	return Result{Status: StatusOK, Moves: text, IDs: ids, Generated: steps, Stop: stop}
}

// step runs one forward pass and picks the next id from the last position.
func (e *Engine) step(ids []int, temperature float64, src rand.Source) (int, error) {
	batch := [][]int{ids}
	out, err := e.model.Forward(batch, transformer.CausalMask(len(ids)), transformer.PaddingMask(batch, e.tok.PadID()))
	if err != nil {
		return 0, errors.Wrap(err, "forward")
	}
	if len(out) != 1 {
		return 0, errors.Errorf("model returned %d outputs for one sequence", len(out))
	}
	_, T := out[0].Dims()
	probs := SoftmaxWithTemperature(utils.Col(out[0], T-1), temperature)
	return Sample(probs, src), nil
}

func (e *Engine) describe(id int) string {
	if t, ok := e.tok.Token(id); ok {
		return fmt.Sprintf("%q (id %d)", t, id)
	}
	return fmt.Sprintf("id %d", id)
}
