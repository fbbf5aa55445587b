package params

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ModelConfig fixes the architecture. A checkpoint only loads into a model
// built from the same values.
type ModelConfig struct {
	DimModel   int     `yaml:"dim_model"`   // embedding width
	DHid       int     `yaml:"d_hid"`       // feed-forward width
	NumHeads   int     `yaml:"num_heads"`   // dHead = DimModel/NumHeads
	NumLayers  int     `yaml:"num_layers"`  // how many times attn --> mlp happens
	DropoutP   float64 `yaml:"dropout_p"`   // training only
	NPositions int     `yaml:"n_positions"` // context length, also the generation bound
}

type TrainingConfig struct {
	BatchSize   int     `yaml:"batch_size"`
	Epochs      int     `yaml:"epochs"`
	LR          float64 `yaml:"lr"`
	AdamBeta1   float64 `yaml:"beta1"`
	AdamEps     float64 `yaml:"adam_eps"`
	GradClip    float64 `yaml:"grad_clip"` // <=0 disables
	WeightDecay float64 `yaml:"weight_decay"`
	ValFrac     float64 `yaml:"val_frac"`
	Seed        uint64  `yaml:"seed"`
	SaveDir     string  `yaml:"save_dir"` // directory or s3://bucket/prefix
}

// AdamBeta2 is not configurable.
const AdamBeta2 = 0.999

type GenerateConfig struct {
	Temperature float64       `yaml:"temperature"`
	Seed        uint64        `yaml:"seed"`
	MaxSteps    int           `yaml:"max_steps"` // 0 = bounded by n_positions only
	Timeout     time.Duration `yaml:"timeout"`   // 0 = none
}

type LogConfig struct {
	Verbosity string `yaml:"verbosity"`
}

type Config struct {
	Model    ModelConfig    `yaml:"model"`
	Train    TrainingConfig `yaml:"train"`
	Generate GenerateConfig `yaml:"generate"`
	Log      LogConfig      `yaml:"log"`
}

// Default mirrors configs/default.yaml.
func Default() Config {
	return Config{
		Model: ModelConfig{
			DimModel:   512,
			DHid:       2048,
			NumHeads:   8,
			NumLayers:  6,
			DropoutP:   0.1,
			NPositions: 256,
		},
		Train: TrainingConfig{
			BatchSize: 64,
			Epochs:    25,
			LR:        0.00025,
			AdamBeta1: 0.9,
			AdamEps:   1e-8,
			ValFrac:   0.2,
			Seed:      42,
			SaveDir:   "./model",
		},
		Generate: GenerateConfig{
			Temperature: 0.2,
			Seed:        1,
			Timeout:     10 * time.Second,
		},
		Log: LogConfig{Verbosity: "info"},
	}
}

// Load reads a YAML file over the defaults. Keys missing from the file keep
// their default value.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := c.Model.Validate(); err != nil {
		return err
	}
	t := c.Train
	if t.BatchSize <= 0 {
		return errors.Errorf("train.batch_size must be positive, got %d", t.BatchSize)
	}
	if t.LR <= 0 {
		return errors.Errorf("train.lr must be positive, got %g", t.LR)
	}
	if t.AdamBeta1 < 0 || t.AdamBeta1 >= 1 {
		return errors.Errorf("train.beta1 must be in [0,1), got %g", t.AdamBeta1)
	}
	if t.ValFrac < 0 || t.ValFrac >= 1 {
		return errors.Errorf("train.val_frac must be in [0,1), got %g", t.ValFrac)
	}
	if c.Generate.Temperature < 0 {
		return errors.Errorf("generate.temperature must be >= 0, got %g", c.Generate.Temperature)
	}
	return nil
}

func (m ModelConfig) Validate() error {
	switch {
	case m.DimModel <= 0 || m.DHid <= 0 || m.NumLayers <= 0 || m.NPositions < 2:
		return errors.Errorf("model dims must be positive (dim_model=%d d_hid=%d num_layers=%d n_positions=%d)",
			m.DimModel, m.DHid, m.NumLayers, m.NPositions)
	case m.NumHeads <= 0 || m.DimModel%m.NumHeads != 0:
		return errors.Errorf("dim_model (%d) must be divisible by num_heads (%d)", m.DimModel, m.NumHeads)
	case m.DropoutP < 0 || m.DropoutP >= 1:
		return errors.Errorf("dropout_p must be in [0,1), got %g", m.DropoutP)
	}
	return nil
}
