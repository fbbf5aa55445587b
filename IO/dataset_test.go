package IO

import (
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

func TestLoadDatasetWindows(t *testing.T) {
	tok := testTokenizer(t)
	path := writeFile(t, "games.txt", "e4 e5\n\ne4 e5 Nf3 Nc6 Bb5\n")
	ds, err := LoadDataset(path, tok, 5, DatasetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if ds.Len() != 2 {
		t.Fatalf("Len = %d, want 2", ds.Len())
	}
	bos, eos, pad := tok.BosID(), tok.EosID(), tok.PadID()
	cases := [][]int{
		{bos, 0, 1, eos, pad},
		{bos, 0, 1, 2, 3}, // truncated, later moves dropped
	}
	for i, want := range cases {
		got := ds.At(i)
		if len(got) != 5 {
			t.Fatalf("window %d has length %d", i, len(got))
		}
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("window %d = %v, want %v", i, got, want)
			}
		}
	}
}

func TestLoadDatasetUnknownToken(t *testing.T) {
	tok := testTokenizer(t)
	path := writeFile(t, "games.txt", "e4 e5\ne4 Qh9\n")
	_, err := LoadDataset(path, tok, 8, DatasetOptions{})
	var ute *UnknownTokenError
	if !errors.As(err, &ute) || ute.Token != "Qh9" {
		t.Fatalf("got %v, want UnknownTokenError for Qh9", err)
	}

	ds, err := LoadDataset(path, tok, 8, DatasetOptions{SkipInvalid: true})
	if err != nil {
		t.Fatal(err)
	}
	if ds.Len() != 1 || ds.Skipped != 1 {
		t.Fatalf("Len=%d Skipped=%d, want 1 and 1", ds.Len(), ds.Skipped)
	}
}

func TestLoadDatasetEmpty(t *testing.T) {
	tok := testTokenizer(t)
	_, err := LoadDataset(writeFile(t, "games.txt", "\n  \n"), tok, 8, DatasetOptions{})
	if !errors.Is(err, ErrEmptyDataset) {
		t.Fatalf("got %v, want ErrEmptyDataset", err)
	}
	_, err = LoadDataset(filepath.Join(t.TempDir(), "nope.txt"), tok, 8, DatasetOptions{})
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func tenGames(t *testing.T) *Dataset {
	t.Helper()
	tok := testTokenizer(t)
	content := ""
	for i := 0; i < 10; i++ {
		content += "e4 e5 Nf3\n"
	}
	ds, err := LoadDataset(writeFile(t, "games.txt", content), tok, 6, DatasetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	return ds
}

func TestSplitIsDisjointAndSeeded(t *testing.T) {
	ds := tenGames(t)
	train, val := ds.Split(0.8, 7)
	if train.Len() != 8 || val.Len() != 2 {
		t.Fatalf("split %d/%d, want 8/2", train.Len(), val.Len())
	}
	seen := map[int]bool{}
	for _, i := range append(train.Indices(), val.Indices()...) {
		if seen[i] {
			t.Fatalf("index %d in both subsets", i)
		}
		seen[i] = true
	}
	if len(seen) != 10 {
		t.Fatalf("split covers %d of 10 windows", len(seen))
	}

	again, _ := ds.Split(0.8, 7)
	a, b := train.Indices(), again.Indices()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed produced a different split")
		}
	}
}

func TestBatches(t *testing.T) {
	ds := tenGames(t)
	batches := ds.All().Batches(4, nil)
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(batches))
	}
	if len(batches[0]) != 4 || len(batches[2]) != 2 {
		t.Fatalf("batch sizes %d..%d", len(batches[0]), len(batches[2]))
	}
	for _, row := range batches[0] {
		if len(row) != ds.NPositions() {
			t.Fatalf("row length %d, want %d", len(row), ds.NPositions())
		}
	}

	shuffled := ds.All().Batches(3, rand.New(rand.NewPCG(1, 2)))
	total := 0
	for _, b := range shuffled {
		total += len(b)
	}
	if total != 10 {
		t.Fatalf("shuffled batches hold %d rows, want 10", total)
	}
}
