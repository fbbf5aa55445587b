package IO

import (
	"bufio"
	"math"
	"math/rand/v2"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/Titanium-SS/CheckMate/utils"
)

// ErrEmptyDataset means the corpus produced no usable sequences.
var ErrEmptyDataset = errors.New("dataset is empty")

type DatasetOptions struct {
	// SkipInvalid drops lines with unknown tokens instead of failing the load.
	SkipInvalid bool
}

// Dataset holds fixed-length windows: <bos> moves... <eos> <pad>...,
// exactly nPositions ids each.
type Dataset struct {
	windows    [][]int
	nPositions int
	padID      int

	// Skipped counts lines dropped under SkipInvalid.
	Skipped int
}

// LoadDataset reads one game per line and encodes it into a window.
func LoadDataset(path string, tok *Tokenizer, nPositions int, opts DatasetOptions) (*Dataset, error) {
	if nPositions < 2 {
		return nil, errors.Errorf("n_positions must be at least 2, got %d", nPositions)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open dataset")
	}
	defer f.Close()

	ds := &Dataset{nPositions: nPositions, padID: tok.PadID()}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		ids, err := tok.Encode(line)
		if err != nil {
			if opts.SkipInvalid && errors.Is(err, ErrUnknownToken) {
				ds.Skipped++
				utils.Debugf("%s:%d skipped: %v", path, lineNo, err)
				continue
			}
			return nil, errors.Wrapf(err, "%s:%d", path, lineNo)
		}
		ds.windows = append(ds.windows, ds.window(ids, tok))
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	if len(ds.windows) == 0 {
		return nil, errors.Wrap(ErrEmptyDataset, path)
	}
	if ds.Skipped > 0 {
		utils.Warnf("%s: skipped %d lines with unknown moves", path, ds.Skipped)
	}
	return ds, nil
}

// window frames ids with <bos>/<eos>, keeps the first nPositions and pads.
func (ds *Dataset) window(ids []int, tok *Tokenizer) []int {
	w := make([]int, 0, ds.nPositions+2)
	if len(ids) == 0 || ids[0] != tok.BosID() {
		w = append(w, tok.BosID())
	}
	w = append(w, ids...)
	if w[len(w)-1] != tok.EosID() {
		w = append(w, tok.EosID())
	}
	if len(w) > ds.nPositions {
		w = w[:ds.nPositions]
	}
	for len(w) < ds.nPositions {
		w = append(w, ds.padID)
	}
	return w
}

func (ds *Dataset) Len() int        { return len(ds.windows) }
func (ds *Dataset) At(i int) []int  { return ds.windows[i] }
func (ds *Dataset) NPositions() int { return ds.nPositions }
func (ds *Dataset) PadID() int      { return ds.padID }

// Subset is a view over a Dataset by index.
type Subset struct {
	ds  *Dataset
	idx []int
}

// All returns a subset covering the whole dataset in order.
func (ds *Dataset) All() *Subset {
	idx := make([]int, ds.Len())
	for i := range idx {
		idx[i] = i
	}
	return &Subset{ds: ds, idx: idx}
}

// Split partitions the dataset with a seeded permutation. The train side
// gets round(trainFrac*n) windows, at least one.
func (ds *Dataset) Split(trainFrac float64, seed uint64) (train, val *Subset) {
	n := ds.Len()
	rng := rand.New(rand.NewPCG(seed, seed))
	perm := rng.Perm(n)
	nTrain := int(math.Round(trainFrac * float64(n)))
	nTrain = max(1, min(n, nTrain))
	return &Subset{ds: ds, idx: perm[:nTrain]}, &Subset{ds: ds, idx: perm[nTrain:]}
}

func (s *Subset) Len() int       { return len(s.idx) }
func (s *Subset) At(i int) []int { return s.ds.windows[s.idx[i]] }
func (s *Subset) PadID() int     { return s.ds.padID }

// Indices returns the dataset indices of the subset.
func (s *Subset) Indices() []int { return append([]int(nil), s.idx...) }

// Batches groups the subset into batches of at most batchSize windows,
// laid out [batch][position]. Order is shuffled when rng is non-nil.
func (s *Subset) Batches(batchSize int, rng *rand.Rand) [][][]int {
	if batchSize <= 0 {
		batchSize = 1
	}
	order := make([]int, len(s.idx))
	copy(order, s.idx)
	if rng != nil {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	var out [][][]int
	for start := 0; start < len(order); start += batchSize {
		end := min(start+batchSize, len(order))
		batch := make([][]int, 0, end-start)
		for _, i := range order[start:end] {
			batch = append(batch, s.ds.windows[i])
		}
		out = append(out, batch)
	}
	return out
}
