package transformer

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/Titanium-SS/CheckMate/optimizations"
	"github.com/Titanium-SS/CheckMate/params"
	"github.com/Titanium-SS/CheckMate/utils"
)

const testVocab = 7

func tinyConfig() params.ModelConfig {
	return params.ModelConfig{
		DimModel:   4,
		DHid:       6,
		NumHeads:   2,
		NumLayers:  2,
		DropoutP:   0,
		NPositions: 5,
	}
}

func tinyGPT(t *testing.T, seed uint64) *Transformer {
	t.Helper()
	g, err := CreateGPT(tinyConfig(), testVocab, seed)
	if err != nil {
		t.Fatalf("CreateGPT: %v", err)
	}
	return g
}

func param(t *testing.T, g *Transformer, name string) optimizations.Param {
	t.Helper()
	for _, p := range g.Parameters() {
		if p.Name == name {
			return p
		}
	}
	t.Fatalf("no parameter %q", name)
	return optimizations.Param{}
}

func TestCausalMask(t *testing.T) {
	for L := 0; L <= 8; L++ {
		m := CausalMask(L)
		if len(m) != L {
			t.Fatalf("L=%d: %d rows", L, len(m))
		}
		for i := 0; i < L; i++ {
			if len(m[i]) != L {
				t.Fatalf("L=%d: row %d has %d columns", L, i, len(m[i]))
			}
			for j := 0; j < L; j++ {
				if m[i][j] != (j > i) {
					t.Fatalf("L=%d: mask[%d][%d] = %v", L, i, j, m[i][j])
				}
			}
		}
	}
}

func TestPaddingMask(t *testing.T) {
	m := PaddingMask([][]int{{0, 5, 9, 9}, {0, 9, 9, 9}}, 9)
	want := [][]bool{{false, false, true, true}, {false, true, true, true}}
	for b := range want {
		for i := range want[b] {
			if m[b][i] != want[b][i] {
				t.Fatalf("pad[%d][%d] = %v, want %v", b, i, m[b][i], want[b][i])
			}
		}
	}
}

func TestForwardShapeAndNormalization(t *testing.T) {
	g := tinyGPT(t, 1)
	src := [][]int{{0, 3, 4}, {0, 5, 2}}
	out, err := g.Forward(src, CausalMask(3), PaddingMask(src, 6))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d outputs, want 2", len(out))
	}
	for b, lp := range out {
		r, c := lp.Dims()
		if r != testVocab || c != 3 {
			t.Fatalf("row %d dims %dx%d, want %dx3", b, r, c, testVocab)
		}
		for j := 0; j < c; j++ {
			sum := 0.0
			for i := 0; i < r; i++ {
				sum += math.Exp(lp.At(i, j))
			}
			if math.Abs(sum-1) > 1e-9 {
				t.Fatalf("row %d position %d probs sum to %g", b, j, sum)
			}
		}
	}
}

func TestForwardRejectsBadInput(t *testing.T) {
	g := tinyGPT(t, 1)
	if _, err := g.Forward([][]int{{0, 1, 2, 3, 4, 5}}, CausalMask(6), nil); err == nil {
		t.Fatalf("expected error for sequence longer than n_positions")
	}
	if _, err := g.Forward([][]int{{0, testVocab}}, CausalMask(2), nil); err == nil {
		t.Fatalf("expected error for out-of-range token id")
	}
	if _, err := g.Forward([][]int{{0, 1}}, CausalMask(3), nil); err == nil {
		t.Fatalf("expected error for mismatched causal mask")
	}
}

// Changing a later token must not change log-probs at earlier positions.
func TestForwardIsCausal(t *testing.T) {
	g := tinyGPT(t, 3)
	a, err := g.Forward([][]int{{0, 1, 2, 3}}, CausalMask(4), nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := g.Forward([][]int{{0, 1, 2, 5}}, CausalMask(4), nil)
	if err != nil {
		t.Fatal(err)
	}
	for j := 0; j < 3; j++ {
		for i := 0; i < testVocab; i++ {
			if math.Abs(a[0].At(i, j)-b[0].At(i, j)) > 1e-12 {
				t.Fatalf("position %d changed when only position 3 differs", j)
			}
		}
	}
}

// Padded keys must be invisible even without a causal mask.
func TestPaddedKeysIgnored(t *testing.T) {
	g := tinyGPT(t, 4)
	open := func(n int) [][]bool {
		m := make([][]bool, n)
		for i := range m {
			m[i] = make([]bool, n)
		}
		return m
	}
	padded := [][]int{{0, 2, 6, 6}}
	withPad, err := g.Forward(padded, open(4), PaddingMask(padded, 6))
	if err != nil {
		t.Fatal(err)
	}
	short, err := g.Forward([][]int{{0, 2}}, open(2), nil)
	if err != nil {
		t.Fatal(err)
	}
	for j := 0; j < 2; j++ {
		for i := 0; i < testVocab; i++ {
			if math.Abs(withPad[0].At(i, j)-short[0].At(i, j)) > 1e-9 {
				t.Fatalf("position %d depends on padding", j)
			}
		}
	}
}

func TestEvalIsDeterministic(t *testing.T) {
	cfg := tinyConfig()
	cfg.DropoutP = 0.5
	g, err := CreateGPT(cfg, testVocab, 9)
	if err != nil {
		t.Fatal(err)
	}
	g.Eval()
	src := [][]int{{0, 1, 2}}
	a, _ := g.Forward(src, CausalMask(3), nil)
	b, _ := g.Forward(src, CausalMask(3), nil)
	if !mat.Equal(a[0], b[0]) {
		t.Fatalf("eval forward should not apply dropout")
	}
}

func TestSameSeedSameWeights(t *testing.T) {
	a, b := tinyGPT(t, 11), tinyGPT(t, 11)
	pa, pb := a.Parameters(), b.Parameters()
	for i := range pa {
		if !mat.Equal(pa[i].W, pb[i].W) {
			t.Fatalf("%s differs between models built from the same seed", pa[i].Name)
		}
	}
}

func finiteDiffCheck(t *testing.T, name string, p *mat.Dense, grad *mat.Dense,
	forward func() float64, i, j int) {

	eps := 1e-5
	w0 := p.At(i, j)

	p.Set(i, j, w0+eps)
	lp := forward()

	p.Set(i, j, w0-eps)
	lm := forward()

	p.Set(i, j, w0)

	numGrad := (lp - lm) / (2.0 * eps)
	anaGrad := grad.At(i, j)

	if math.Abs(numGrad-anaGrad) > 1e-4*math.Max(1, math.Abs(numGrad)) {
		t.Fatalf("%s[%d,%d] grad mismatch: num=%.6g ana=%.6g",
			name, i, j, numGrad, anaGrad)
	}
}

func TestTransformerGradCheck(t *testing.T) {
	g := tinyGPT(t, 123)
	g.Train()
	ids := []int{0, 3, 1, 4}
	gold := []int{3, 1, 4, 2}
	causal := CausalMask(len(ids))

	loss := func(grad *mat.Dense) float64 {
		lp, err := g.ForwardSeq(ids, causal, nil)
		if err != nil {
			t.Fatal(err)
		}
		total := 0.0
		for pos, y := range gold {
			total += utils.NLLWithIndex(lp, pos, y, 1, grad)
		}
		return total
	}

	g.ZeroGrad()
	dLogits := mat.NewDense(testVocab, len(ids), nil)
	loss(dLogits)
	g.Backward(dLogits)

	forward := func() float64 { return loss(nil) }
	for _, name := range []string{
		"emb", "pos",
		"blocks.0.attn.wq.0", "blocks.0.attn.wk.1", "blocks.0.attn.wv.0", "blocks.0.attn.wo",
		"blocks.1.mlp.hidden_w", "blocks.1.mlp.output_b",
		"blocks.0.ln1.gamma", "blocks.1.ln2.beta", "ln_f.gamma",
		"out.w", "out.b",
	} {
		p := param(t, g, name)
		r, c := p.W.Dims()
		// column 3 of emb is a token actually used by ids
		i, j := 0, 0
		if name == "emb" {
			j = 3
		}
		if r > 1 && c > 1 {
			i, j = 1, j%c
		}
		finiteDiffCheck(t, name, p.W, p.Grad, forward, i, j)
	}
}

func TestCloneSharesWeights(t *testing.T) {
	g := tinyGPT(t, 5)
	c := g.CloneForInference()
	if c.Emb != g.Emb || c.OutW != g.OutW || c.Blocks[0].Attn.Wquery[0] != g.Blocks[0].Attn.Wquery[0] {
		t.Fatalf("clone should share weight matrices")
	}
	if c.Training() {
		t.Fatalf("clone should be in eval mode")
	}
	g.Emb.Set(0, 0, 42)
	if c.Emb.At(0, 0) != 42 {
		t.Fatalf("clone should see weight updates")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	src := tinyGPT(t, 1)
	src.VocabFingerprint = 77
	dst := tinyGPT(t, 2)
	dst.VocabFingerprint = 77

	path := filepath.Join(t.TempDir(), "nested", "checkmate.gob")
	if err := SaveTransformer(src, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := LoadTransformer(dst, path); err != nil {
		t.Fatalf("load: %v", err)
	}
	ps, pd := src.Parameters(), dst.Parameters()
	for i := range ps {
		if !mat.Equal(ps[i].W, pd[i].W) {
			t.Fatalf("%s not restored", ps[i].Name)
		}
	}

	loaded, err := LoadGPT(tinyConfig(), testVocab, 77, path)
	if err != nil {
		t.Fatalf("LoadGPT: %v", err)
	}
	if loaded.Training() {
		t.Fatalf("LoadGPT should return an eval-mode model")
	}
}

func TestCheckpointMismatchLeavesModelUntouched(t *testing.T) {
	src := tinyGPT(t, 1)
	raw, err := MarshalCheckpoint(src)
	if err != nil {
		t.Fatal(err)
	}

	cfg := tinyConfig()
	cfg.NumLayers = 1
	other, err := CreateGPT(cfg, testVocab, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := UnmarshalCheckpoint(other, raw); !errors.Is(err, ErrCheckpointMismatch) {
		t.Fatalf("layer mismatch: got %v, want ErrCheckpointMismatch", err)
	}

	wider, err := CreateGPT(tinyConfig(), testVocab+1, 2)
	if err != nil {
		t.Fatal(err)
	}
	before := mat.DenseCopyOf(wider.Emb)
	if err := UnmarshalCheckpoint(wider, raw); !errors.Is(err, ErrCheckpointMismatch) {
		t.Fatalf("vocab mismatch: got %v, want ErrCheckpointMismatch", err)
	}
	if !mat.Equal(before, wider.Emb) {
		t.Fatalf("rejected checkpoint modified the model")
	}

	src.VocabFingerprint = 1
	raw, _ = MarshalCheckpoint(src)
	same := tinyGPT(t, 3)
	same.VocabFingerprint = 2
	if err := UnmarshalCheckpoint(same, raw); !errors.Is(err, ErrCheckpointMismatch) {
		t.Fatalf("fingerprint mismatch: got %v, want ErrCheckpointMismatch", err)
	}
}

func TestDecodeGPT(t *testing.T) {
	src := tinyGPT(t, 1)
	src.VocabFingerprint = 77
	raw, err := MarshalCheckpoint(src)
	if err != nil {
		t.Fatal(err)
	}

	g, err := DecodeGPT(tinyConfig(), testVocab, 77, raw)
	if err != nil {
		t.Fatalf("DecodeGPT: %v", err)
	}
	if g.Training() {
		t.Fatalf("DecodeGPT should return an eval-mode model")
	}
	if !mat.Equal(g.Emb, src.Emb) {
		t.Fatalf("embedding not restored")
	}

	if g, err := DecodeGPT(tinyConfig(), testVocab, 78, raw); !errors.Is(err, ErrCheckpointMismatch) || g != nil {
		t.Fatalf("fingerprint mismatch: got %v, %v", g, err)
	}
	if _, err := LoadGPT(tinyConfig(), testVocab, 77, filepath.Join(t.TempDir(), "missing.gob")); err == nil {
		t.Fatalf("LoadGPT of a missing file should fail")
	}
}
