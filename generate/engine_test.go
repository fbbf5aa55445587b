package generate

import (
	"context"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/Titanium-SS/CheckMate/IO"
	"github.com/Titanium-SS/CheckMate/params"
	"github.com/Titanium-SS/CheckMate/transformer"
)

// vocab: e4=0 e5=1 Nf3=2 Nc6=3 <bos>=4 <eos>=5 <pad>=6
func testTokenizer(t *testing.T) *IO.Tokenizer {
	t.Helper()
	p := filepath.Join(t.TempDir(), "vocab.txt")
	os.WriteFile(p, []byte("e4\ne5\nNf3\nNc6\n"), 0o644)
	tok, err := IO.BuildTokenizer(p)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

// scripted always puts all mass on next(ids) at the last position.
type scripted struct {
	nPos  int
	vocab int
	next  func(ids []int) int
}

func (s *scripted) NPositions() int { return s.nPos }

func (s *scripted) Forward(src [][]int, causal, pad [][]bool) ([]*mat.Dense, error) {
	out := make([]*mat.Dense, len(src))
	for b, ids := range src {
		lp := mat.NewDense(s.vocab, len(ids), nil)
		lp.Apply(func(i, j int, v float64) float64 { return math.Log(1e-9) }, lp)
		lp.Set(s.next(ids), len(ids)-1, 0)
		out[b] = lp
	}
	return out, nil
}

// replies e5 to e4, Nc6 to Nf3, then ends the game.
func openingBook(ids []int) int {
	switch ids[len(ids)-1] {
	case 0:
		return 1
	case 1:
		return 2
	case 2:
		return 3
	}
	return 5
}

func TestPredictNextMove(t *testing.T) {
	tok := testTokenizer(t)
	e := NewEngine(&scripted{nPos: 10, vocab: 7, next: openingBook}, tok)
	res := e.Predict(context.Background(), Request{Moves: "<bos> e4", StopAtNextMove: true, Temperature: 0.2})
	if res.Status != StatusOK || res.Err != nil {
		t.Fatalf("status %v err %v", res.Status, res.Err)
	}
	if res.Moves != "<bos> e4 e5" || res.Stop != StopNextMove || res.Generated != 1 {
		t.Fatalf("got %+v", res)
	}
	if res.LastMove() != "e5" {
		t.Fatalf("LastMove = %q", res.LastMove())
	}
}

func TestPredictRunsToEOS(t *testing.T) {
	tok := testTokenizer(t)
	e := NewEngine(&scripted{nPos: 10, vocab: 7, next: openingBook}, tok)
	res := e.Predict(context.Background(), Request{Moves: "e4"})
	if res.Status != StatusOK || res.Moves != "<bos> e4 e5 Nf3 Nc6 <eos>" || res.Stop != StopEOS {
		t.Fatalf("got %+v", res)
	}
}

func TestPredictLengthBound(t *testing.T) {
	tok := testTokenizer(t)
	loop := func(ids []int) int { return 0 } // e4 forever
	e := NewEngine(&scripted{nPos: 4, vocab: 7, next: loop}, tok)

	res := e.Predict(context.Background(), Request{Moves: "<bos>"})
	if res.Status != StatusOK || len(res.IDs) != 4 || res.Stop != StopLength {
		t.Fatalf("got %+v", res)
	}

	full := e.Predict(context.Background(), Request{Moves: "<bos> e4 e5 Nf3"})
	if full.Status != StatusOK || full.Moves != "<bos> e4 e5 Nf3" || full.Stop != StopLength || full.Generated != 0 {
		t.Fatalf("input at n_positions: got %+v", full)
	}

	long := e.Predict(context.Background(), Request{Moves: "<bos> e4 e5 Nf3 Nc6"})
	if long.Status != StatusUnhandled || !errors.Is(long.Err, ErrSequenceTooLong) {
		t.Fatalf("input over n_positions: got %+v", long)
	}

	capped := NewEngine(&scripted{nPos: 10, vocab: 7, next: loop}, tok, WithMaxSteps(2))
	if res := capped.Predict(context.Background(), Request{Moves: "<bos>"}); res.Generated != 2 || res.Stop != StopLength {
		t.Fatalf("step budget: got %+v", res)
	}
}

func TestPredictIllegalMove(t *testing.T) {
	tok := testTokenizer(t)
	for name, next := range map[string]func([]int) int{
		"bos":          func([]int) int { return tok.BosID() },
		"pad":          func([]int) int { return tok.PadID() },
		"out of range": func([]int) int { return 7 },
	} {
		e := NewEngine(&scripted{nPos: 10, vocab: 8, next: next}, tok)
		res := e.Predict(context.Background(), Request{Moves: "<bos> e4", StopAtNextMove: true})
		if res.Status != StatusIllegalMove || !errors.Is(res.Err, ErrIllegalMove) {
			t.Fatalf("%s: got %+v", name, res)
		}
		if res.Moves != "<bos> e4" {
			t.Fatalf("%s: input changed to %q", name, res.Moves)
		}
	}

	e := NewEngine(&scripted{nPos: 10, vocab: 7, next: openingBook}, tok)
	if res := e.Predict(context.Background(), Request{Moves: "<bos> Ke9"}); res.Status != StatusIllegalMove {
		t.Fatalf("unknown input move: got %+v", res)
	}
}

type panicky struct{ scripted }

func (p *panicky) Forward([][]int, [][]bool, [][]bool) ([]*mat.Dense, error) { panic("boom") }

func TestPredictUnhandled(t *testing.T) {
	tok := testTokenizer(t)
	e := NewEngine(&panicky{scripted{nPos: 10, vocab: 7}}, tok)
	if res := e.Predict(context.Background(), Request{Moves: "<bos> e4"}); res.Status != StatusUnhandled || res.Err == nil {
		t.Fatalf("panic: got %+v", res)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e = NewEngine(&scripted{nPos: 10, vocab: 7, next: openingBook}, tok)
	if res := e.Predict(ctx, Request{Moves: "<bos> e4"}); res.Status != StatusUnhandled || !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("cancelled: got %+v", res)
	}
}

func TestSoftmaxWithTemperature(t *testing.T) {
	lp := []float64{math.Log(0.5), math.Log(0.3), math.Log(0.2)}
	same := SoftmaxWithTemperature(lp, 1)
	for i, want := range []float64{0.5, 0.3, 0.2} {
		if math.Abs(same[i]-want) > 1e-12 {
			t.Fatalf("T=1 probs %v", same)
		}
	}
	sharp := SoftmaxWithTemperature(lp, 0.2)
	if sharp[0] <= 0.5 || math.Abs(sharp[0]+sharp[1]+sharp[2]-1) > 1e-12 {
		t.Fatalf("T=0.2 probs %v", sharp)
	}
	greedy := SoftmaxWithTemperature(lp, 0)
	if greedy[0] != 1 || greedy[1] != 0 {
		t.Fatalf("T=0 probs %v", greedy)
	}
	if got := Sample(greedy, rand.NewPCG(1, 1)); got != 0 {
		t.Fatalf("greedy sample = %d", got)
	}
}

func tinyModel(t *testing.T, vocab int) *transformer.Transformer {
	t.Helper()
	g, err := transformer.CreateGPT(params.ModelConfig{
		DimModel: 8, DHid: 16, NumHeads: 2, NumLayers: 1, NPositions: 8,
	}, vocab, 7)
	if err != nil {
		t.Fatal(err)
	}
	g.Eval()
	return g
}

// With a real model: greedy decoding is deterministic and the engine can
// serve concurrent requests.
func TestPredictWithTransformer(t *testing.T) {
	tok := testTokenizer(t)
	e := NewEngine(tinyModel(t, tok.VocabSize()), tok, WithSeed(3))
	req := Request{Moves: "<bos> e4 e5", Temperature: 0}
	first := e.Predict(context.Background(), req)
	if first.Status == StatusUnhandled {
		t.Fatalf("unhandled: %v", first.Err)
	}

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.Predict(context.Background(), req)
		}(i)
	}
	wg.Wait()
	for i, r := range results {
		if r.Status != first.Status || r.Moves != first.Moves {
			t.Fatalf("request %d: got %v %q, want %v %q", i, r.Status, r.Moves, first.Status, first.Moves)
		}
	}
}
