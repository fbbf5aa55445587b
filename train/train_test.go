package train

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/pkg/errors"

	"github.com/Titanium-SS/CheckMate/IO"
	"github.com/Titanium-SS/CheckMate/params"
	"github.com/Titanium-SS/CheckMate/transformer"
)

type memStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemStore() *memStore { return &memStore{blobs: map[string][]byte{}} }

func (m *memStore) Save(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[name] = data
	return nil
}

func (m *memStore) Load(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (m *memStore) Location(name string) string { return "mem://" + name }

func (m *memStore) names() []string {
	var out []string
	for k := range m.blobs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func fixture(t *testing.T, games string) (*IO.Tokenizer, *IO.Dataset, *transformer.Transformer) {
	t.Helper()
	dir := t.TempDir()
	vocab := filepath.Join(dir, "vocab.txt")
	corpus := filepath.Join(dir, "games.txt")
	os.WriteFile(vocab, []byte("e4\ne5\nNf3\nNc6\nBb5\na6\n"), 0o644)
	os.WriteFile(corpus, []byte(games), 0o644)

	tok, err := IO.BuildTokenizer(vocab)
	if err != nil {
		t.Fatal(err)
	}
	cfg := params.ModelConfig{DimModel: 8, DHid: 16, NumHeads: 2, NumLayers: 1, NPositions: 8}
	ds, err := IO.LoadDataset(corpus, tok, cfg.NPositions, IO.DatasetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	model, err := transformer.CreateGPT(cfg, tok.VocabSize(), 1)
	if err != nil {
		t.Fatal(err)
	}
	model.VocabFingerprint = tok.Fingerprint()
	return tok, ds, model
}

func trainConfig() params.TrainingConfig {
	cfg := params.Default().Train
	cfg.BatchSize = 2
	cfg.LR = 0.01
	return cfg
}

func TestTrainSavesOnImprovement(t *testing.T) {
	_, ds, model := fixture(t, "e4 e5\nNf3 Nc6\n")
	train, val := ds.Split(0.5, 1)
	store := newMemStore()
	tr := NewTrainer(model, train, val, store, trainConfig())

	losses := []float64{0.9, 0.5, 0.7}
	epoch := 0
	tr.trainEpoch = func(context.Context) (float64, error) { return 1, nil }
	tr.testEpoch = func(context.Context) (float64, error) {
		l := losses[epoch]
		epoch++
		return l, nil
	}
	if err := tr.Train(context.Background(), 3); err != nil {
		t.Fatal(err)
	}
	want := []string{"checkmate.gob", "checkmate_1.gob", "checkmate_2.gob"}
	got := store.names()
	if len(got) != len(want) {
		t.Fatalf("saved %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("saved %v, want %v", got, want)
		}
	}
	if len(tr.History) != 3 || !tr.History[1].Improved || tr.History[2].Improved {
		t.Fatalf("history %+v", tr.History)
	}
}

func TestTrainStopsOnError(t *testing.T) {
	_, ds, model := fixture(t, "e4 e5\n")
	store := newMemStore()
	tr := NewTrainer(model, ds.All(), nil, store, trainConfig())
	boom := errors.New("boom")
	tr.trainEpoch = func(context.Context) (float64, error) { return 0, boom }
	if err := tr.Train(context.Background(), 2); !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if len(store.names()) != 0 {
		t.Fatalf("nothing should be saved after a failed epoch, got %v", store.names())
	}
}

func TestTrainingReducesLoss(t *testing.T) {
	_, ds, model := fixture(t, "e4 e5 Nf3 Nc6 Bb5 a6\ne4 e5 Nf3 Nc6\n")
	store := newMemStore()
	tr := NewTrainer(model, ds.All(), ds.All(), store, trainConfig())

	before, err := tr.TestEpoch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Train(context.Background(), 30); err != nil {
		t.Fatal(err)
	}
	after, err := tr.TestEpoch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if after >= before {
		t.Fatalf("validation loss did not improve: %.4f -> %.4f", before, after)
	}

	// the final checkpoint reloads into a fresh model
	fresh, _ := transformer.CreateGPT(model.Cfg, model.VocabSize, 99)
	fresh.VocabFingerprint = model.VocabFingerprint
	raw, _ := store.Load(context.Background(), FinalCheckpoint)
	if err := transformer.UnmarshalCheckpoint(fresh, raw); err != nil {
		t.Fatal(err)
	}
}

func TestResume(t *testing.T) {
	_, ds, model := fixture(t, "e4 e5\n")
	store := newMemStore()
	raw, _ := transformer.MarshalCheckpoint(model)
	store.Save(context.Background(), "checkmate_3.gob", raw)

	other, _ := transformer.CreateGPT(model.Cfg, model.VocabSize, 5)
	tr := NewTrainer(other, ds.All(), nil, store, trainConfig())
	if err := tr.Resume(context.Background(), "checkmate_3.gob"); err != nil {
		t.Fatal(err)
	}
	if other.Emb.At(0, 0) != model.Emb.At(0, 0) {
		t.Fatalf("weights not restored")
	}
	if err := tr.Resume(context.Background(), "missing.gob"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing checkpoint: got %v", err)
	}
}

func TestShiftAndCount(t *testing.T) {
	in, out := shift([][]int{{5, 0, 1, 6, 7, 7}})
	if len(in[0]) != 5 || in[0][0] != 5 || out[0][0] != 0 || out[0][4] != 7 {
		t.Fatalf("shift = %v %v", in, out)
	}
	if n := countTargets(out, 7); n != 3 {
		t.Fatalf("countTargets = %d, want 3", n)
	}
}

func TestTestEpochKeepsModeAndNeedsData(t *testing.T) {
	_, ds, model := fixture(t, "e4 e5\nNf3 Nc6\n")
	ctx := context.Background()

	tr := NewTrainer(model, ds.All(), nil, newMemStore(), trainConfig())
	if _, err := tr.TestEpoch(ctx); !errors.Is(err, IO.ErrEmptyDataset) {
		t.Fatalf("nil validation subset: got %v, want ErrEmptyDataset", err)
	}

	tr = NewTrainer(model, ds.All(), ds.All(), newMemStore(), trainConfig())
	model.Eval()
	if _, err := tr.TestEpoch(ctx); err != nil {
		t.Fatal(err)
	}
	if model.Training() {
		t.Fatalf("an eval-mode model came back in training mode")
	}
	model.Train()
	if _, err := tr.TestEpoch(ctx); err != nil {
		t.Fatal(err)
	}
	if !model.Training() {
		t.Fatalf("a training-mode model came back in eval mode")
	}
}
