package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"

	"github.com/Titanium-SS/CheckMate/IO"
	"github.com/Titanium-SS/CheckMate/params"
	"github.com/Titanium-SS/CheckMate/server"
	"github.com/Titanium-SS/CheckMate/train"
	"github.com/Titanium-SS/CheckMate/transformer"
	"github.com/Titanium-SS/CheckMate/utils"
)

var (
	extractFlag string
	exportFlag  string
	shardsFlag  string
	trainFlag   bool
	serveFlag   bool
	playFlag    bool

	configPath    string
	tokenizerPath string
	datasetPath   string
	loadModel     string
	resumeFrom    string
	saveDir       string
	logFile       string
	addr          string
	verbosity     string
	skipInvalid   bool
)

func init() {
	flag.StringVar(&extractFlag, "extract", "", "Extract a raw game dump (.pgn or Kaggle ### text) into -dataset and -tokenizer")
	flag.StringVar(&exportFlag, "export", "", "Encode -dataset into binary window shards at this prefix")
	flag.StringVar(&shardsFlag, "shards", "", "Train from binary window shards at this prefix instead of -dataset")
	flag.BoolVar(&trainFlag, "train", false, "Train a model and store checkpoints in the save dir")
	flag.BoolVar(&serveFlag, "serve", false, "Serve POST /predict")
	flag.BoolVar(&playFlag, "play", false, "Play a game against the engine in the terminal")

	flag.StringVar(&configPath, "config", "configs/default.yaml", "Path to the configuration file (YAML)")
	flag.StringVar(&tokenizerPath, "tokenizer", "vocabs/vocab.txt", "Path to the vocabulary file")
	flag.StringVar(&datasetPath, "dataset", "dataset/processed_data.txt", "Path to the corpus, one game per line")
	flag.StringVar(&loadModel, "load_model", "model/checkmate.gob", "Checkpoint for -serve/-play (file or s3://bucket/key)")
	flag.StringVar(&resumeFrom, "resume", "", "Checkpoint name in the save dir to resume training from")
	flag.StringVar(&saveDir, "save_dir", "", "Override train.save_dir (directory or s3://bucket/prefix)")
	flag.StringVar(&logFile, "log_file", "game_log.txt", "File to log the moves of the game")
	flag.StringVar(&addr, "addr", ":5000", "Listen address for -serve")
	flag.StringVar(&verbosity, "verbosity", "", "Override log.verbosity (quiet, info, debug)")
	flag.BoolVar(&skipInvalid, "skip_invalid", false, "Skip corpus lines with unknown moves instead of failing")
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case extractFlag != "":
		_, err = IO.ExtractCorpus(extractFlag, datasetPath, tokenizerPath)
	case exportFlag != "":
		err = runExport(cfg)
	case trainFlag:
		err = runTrain(ctx, cfg)
	case serveFlag:
		err = runServe(ctx, cfg)
	case playFlag:
		err = runPlay(ctx, cfg)
	default:
		fmt.Println("No flag passed. Use -extract, -export, -train, -serve or -play.")
		flag.PrintDefaults()
		return
	}
	if err != nil {
		fatalf("%v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "checkmate: "+format+"\n", args...)
	os.Exit(1)
}

func loadConfig() (params.Config, error) {
	cfg := params.Default()
	if fileExists(configPath) {
		var err error
		if cfg, err = params.Load(configPath); err != nil {
			return cfg, err
		}
	} else {
		utils.Warnf("config %s not found, using defaults", configPath)
	}
	if verbosity != "" {
		cfg.Log.Verbosity = verbosity
	}
	if saveDir != "" {
		cfg.Train.SaveDir = saveDir
	}
	lvl, err := utils.ParseLevel(cfg.Log.Verbosity)
	if err != nil {
		return cfg, err
	}
	utils.SetVerbosity(lvl)
	return cfg, nil
}

func loadDataset(cfg params.Config, tok *IO.Tokenizer) (*IO.Dataset, error) {
	if shardsFlag != "" {
		return IO.ImportWindowsBinary(shardsFlag, tok, cfg.Model.NPositions)
	}
	return IO.LoadDataset(datasetPath, tok, cfg.Model.NPositions, IO.DatasetOptions{SkipInvalid: skipInvalid})
}

func runExport(cfg params.Config) error {
	tok, err := IO.BuildTokenizer(tokenizerPath)
	if err != nil {
		return err
	}
	ds, err := IO.LoadDataset(datasetPath, tok, cfg.Model.NPositions, IO.DatasetOptions{SkipInvalid: skipInvalid})
	if err != nil {
		return err
	}
	maxShardSize := int64(2 * 1024 * 1024 * 1024) // 2GB per shard
	_, err = IO.ExportWindowsBinary(ds, tok, exportFlag, maxShardSize)
	return err
}

func runTrain(ctx context.Context, cfg params.Config) error {
	tok, err := IO.BuildTokenizer(tokenizerPath)
	if err != nil {
		return err
	}
	ds, err := loadDataset(cfg, tok)
	if err != nil {
		return err
	}
	trainSet, valSet := ds.Split(1-cfg.Train.ValFrac, cfg.Train.Seed)
	utils.Infof("Loaded %d sequences (%d train, %d val), vocab %d", ds.Len(), trainSet.Len(), valSet.Len(), tok.VocabSize())

	model, err := transformer.CreateGPT(cfg.Model, tok.VocabSize(), cfg.Train.Seed)
	if err != nil {
		return err
	}
	model.VocabFingerprint = tok.Fingerprint()

	store, err := IO.OpenStore(cfg.Train.SaveDir)
	if err != nil {
		return err
	}
	trainer := train.NewTrainer(model, trainSet, valSet, store, cfg.Train)
	if resumeFrom != "" {
		if err := trainer.Resume(ctx, resumeFrom); err != nil {
			return err
		}
	}
	if err := trainer.Train(ctx, cfg.Train.Epochs); err != nil {
		return errors.Wrap(err, "training")
	}

	losses := make([]float64, len(trainer.History))
	for i, st := range trainer.History {
		losses[i] = st.ValLoss
	}
	plotLosses(os.Stdout, losses)
	return nil
}

func runServe(ctx context.Context, cfg params.Config) error {
	app, err := server.LoadApp(ctx, cfg, tokenizerPath, loadModel)
	if err != nil {
		return err
	}
	return app.ListenAndServe(ctx, addr)
}

func runPlay(ctx context.Context, cfg params.Config) error {
	app, err := server.LoadApp(ctx, cfg, tokenizerPath, loadModel)
	if err != nil {
		return err
	}
	return playGame(ctx, app, logFile)
}

// fileExists true if path exists
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
