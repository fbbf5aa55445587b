package train

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/Titanium-SS/CheckMate/IO"
	"github.com/Titanium-SS/CheckMate/optimizations"
	"github.com/Titanium-SS/CheckMate/params"
	"github.com/Titanium-SS/CheckMate/transformer"
	"github.com/Titanium-SS/CheckMate/utils"
)

// FinalCheckpoint is always written after the last epoch.
const FinalCheckpoint = "checkmate.gob"

// EpochCheckpoint names the snapshot written when epoch improves on the best
// validation loss.
func EpochCheckpoint(epoch int) string { return fmt.Sprintf("checkmate_%d.gob", epoch) }

type EpochStats struct {
	Epoch     int
	TrainLoss float64
	ValLoss   float64
	Improved  bool
	Duration  time.Duration
}

// Trainer runs teacher-forced next-move training. Not safe for concurrent use.
type Trainer struct {
	model      *transformer.Transformer
	train, val *IO.Subset
	store      IO.CheckpointStore
	cfg        params.TrainingConfig
	opt        *optimizations.Adam
	rng        *rand.Rand
	padID      int

	History []EpochStats

	// overridable in tests
	trainEpoch func(context.Context) (float64, error)
	testEpoch  func(context.Context) (float64, error)
}

// NewTrainer wires a model to its data. val may be nil or empty, in which
// case checkpoint selection uses the training loss.
func NewTrainer(model *transformer.Transformer, train, val *IO.Subset, store IO.CheckpointStore, cfg params.TrainingConfig) *Trainer {
	t := &Trainer{
		model: model,
		train: train,
		val:   val,
		store: store,
		cfg:   cfg,
		opt:   optimizations.NewAdam(cfg),
		rng:   rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1)),
		padID: train.PadID(),
	}
	t.trainEpoch = t.TrainEpoch
	t.testEpoch = t.TestEpoch
	return t
}

// Resume loads weights from a checkpoint in the store before training.
func (t *Trainer) Resume(ctx context.Context, name string) error {
	raw, err := t.store.Load(ctx, name)
	if err != nil {
		return err
	}
	if err := transformer.UnmarshalCheckpoint(t.model, raw); err != nil {
		return errors.Wrapf(err, "resume from %s", t.store.Location(name))
	}
	utils.Infof("resumed from %s", t.store.Location(name))
	return nil
}

// TrainEpoch makes one shuffled pass over the training subset and returns
// the mean batch loss.
func (t *Trainer) TrainEpoch(ctx context.Context) (float64, error) {
	t.model.Train()
	batches := t.train.Batches(t.cfg.BatchSize, t.rng)
	total := 0.0
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		loss, err := t.step(batch)
		if err != nil {
			return 0, errors.Wrapf(err, "batch %d", i)
		}
		total += loss
		if (i+1)%100 == 0 {
			utils.Debugf("batch %d/%d loss %.4f", i+1, len(batches), loss)
		}
	}
	if len(batches) == 0 {
		return 0, IO.ErrEmptyDataset
	}
	return total / float64(len(batches)), nil
}

// step does forward, backward and one Adam update for a batch.
func (t *Trainer) step(batch [][]int) (float64, error) {
	inputs, targets := shift(batch)
	count := countTargets(targets, t.padID)
	if count == 0 {
		return 0, nil
	}
	scale := 1 / float64(count)
	causal := transformer.CausalMask(len(inputs[0]))
	pad := transformer.PaddingMask(inputs, t.padID)

	t.model.ZeroGrad()
	loss := 0.0
	for b := range inputs {
		lp, err := t.model.ForwardSeq(inputs[b], causal, pad[b])
		if err != nil {
			return 0, err
		}
		r, c := lp.Dims()
		grad := mat.NewDense(r, c, nil)
		for pos, gold := range targets[b] {
			if gold == t.padID {
				continue
			}
			loss += utils.NLLWithIndex(lp, pos, gold, scale, grad)
		}
		t.model.Backward(grad)
	}
	t.opt.Step(t.model.Parameters())
	return loss * scale, nil
}

// TestEpoch scores the validation subset in evaluation mode. No update.
// The model is left in the mode it was in.
func (t *Trainer) TestEpoch(ctx context.Context) (float64, error) {
	if t.val == nil || t.val.Len() == 0 {
		return 0, IO.ErrEmptyDataset
	}
	if t.model.Training() {
		t.model.Eval()
		defer t.model.Train()
	}
	batches := t.val.Batches(t.cfg.BatchSize, nil)
	if len(batches) == 0 {
		return 0, IO.ErrEmptyDataset
	}
	total := 0.0
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		loss, err := t.evalBatch(batch)
		if err != nil {
			return 0, errors.Wrapf(err, "validation batch %d", i)
		}
		total += loss
	}
	return total / float64(len(batches)), nil
}

func (t *Trainer) evalBatch(batch [][]int) (float64, error) {
	inputs, targets := shift(batch)
	count := countTargets(targets, t.padID)
	if count == 0 {
		return 0, nil
	}
	out, err := t.model.Forward(inputs, transformer.CausalMask(len(inputs[0])), transformer.PaddingMask(inputs, t.padID))
	if err != nil {
		return 0, err
	}
	loss := 0.0
	for b, lp := range out {
		for pos, gold := range targets[b] {
			if gold != t.padID {
				loss += utils.NLLWithIndex(lp, pos, gold, 1, nil)
			}
		}
	}
	return loss / float64(count), nil
}

// Train runs numEpochs epochs. A snapshot is stored whenever the validation
// loss improves, and FinalCheckpoint after the last epoch. Any error stops
// the run.
func (t *Trainer) Train(ctx context.Context, numEpochs int) error {
	best := math.Inf(1)
	hasVal := t.val != nil && t.val.Len() > 0
	for epoch := 1; epoch <= numEpochs; epoch++ {
		start := time.Now()
		trainLoss, err := t.trainEpoch(ctx)
		if err != nil {
			return errors.Wrapf(err, "epoch %d", epoch)
		}
		valLoss := trainLoss
		if hasVal {
			if valLoss, err = t.testEpoch(ctx); err != nil {
				return errors.Wrapf(err, "epoch %d validation", epoch)
			}
		}

		st := EpochStats{Epoch: epoch, TrainLoss: trainLoss, ValLoss: valLoss, Duration: time.Since(start)}
		if valLoss < best {
			best = valLoss
			st.Improved = true
			if err := t.save(ctx, EpochCheckpoint(epoch)); err != nil {
				return err
			}
		}
		t.History = append(t.History, st)
		utils.Infof("Epoch %d/%d - TrainLoss: %.4f, ValLoss: %.4f, ValPPL: %.1f, Time: %v",
			epoch, numEpochs, trainLoss, valLoss, math.Exp(valLoss), st.Duration.Round(time.Millisecond))
	}
	return t.save(ctx, FinalCheckpoint)
}

func (t *Trainer) save(ctx context.Context, name string) error {
	raw, err := transformer.MarshalCheckpoint(t.model)
	if err != nil {
		return err
	}
	if err := t.store.Save(ctx, name, raw); err != nil {
		return err
	}
	utils.Infof("saved %s", t.store.Location(name))
	return nil
}

// shift splits windows into model input (all but last) and expected output
// (all but first).
func shift(batch [][]int) (inputs, targets [][]int) {
	inputs = make([][]int, len(batch))
	targets = make([][]int, len(batch))
	for b, w := range batch {
		inputs[b] = w[:len(w)-1]
		targets[b] = w[1:]
	}
	return inputs, targets
}

func countTargets(targets [][]int, padID int) int {
	n := 0
	for _, row := range targets {
		for _, id := range row {
			if id != padID {
				n++
			}
		}
	}
	return n
}
