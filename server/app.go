package server

import (
	"context"
	"path"
	"strings"

	"github.com/pkg/errors"

	"github.com/Titanium-SS/CheckMate/IO"
	"github.com/Titanium-SS/CheckMate/generate"
	"github.com/Titanium-SS/CheckMate/params"
	"github.com/Titanium-SS/CheckMate/transformer"
	"github.com/Titanium-SS/CheckMate/utils"
)

// App is everything a request needs. Built once at startup and shared by
// the HTTP handlers and the interactive game.
type App struct {
	Cfg    params.Config
	Tok    *IO.Tokenizer
	Model  *transformer.Transformer
	Engine *generate.Engine
}

// NewApp wires an already loaded tokenizer and evaluation-mode model.
func NewApp(cfg params.Config, tok *IO.Tokenizer, model *transformer.Transformer) *App {
	model.Eval()
	return &App{
		Cfg:   cfg,
		Tok:   tok,
		Model: model,
		Engine: generate.NewEngine(model, tok,
			generate.WithSeed(cfg.Generate.Seed),
			generate.WithMaxSteps(cfg.Generate.MaxSteps)),
	}
}

// LoadApp builds the tokenizer and loads checkpoint, a file path or an
// s3://bucket/key location. Info logging is muted while loading.
func LoadApp(ctx context.Context, cfg params.Config, tokenizerPath, checkpoint string) (*App, error) {
	var app *App
	err := utils.WithVerbosity(utils.LevelQuiet, func() error {
		tok, err := IO.BuildTokenizer(tokenizerPath)
		if err != nil {
			return err
		}
		dir, name := splitLocation(checkpoint)
		store, err := IO.OpenStore(dir)
		if err != nil {
			return err
		}
		raw, err := store.Load(ctx, name)
		if err != nil {
			return err
		}
		model, err := transformer.DecodeGPT(cfg.Model, tok.VocabSize(), tok.Fingerprint(), raw)
		if err != nil {
			return errors.Wrapf(err, "load %s", store.Location(name))
		}
		app = NewApp(cfg, tok, model)
		return nil
	})
	if err != nil {
		return nil, err
	}
	utils.Infof("model loaded (%d layers, vocab %d)", cfg.Model.NumLayers, app.Tok.VocabSize())
	return app, nil
}

func splitLocation(loc string) (dir, name string) {
	if rest, ok := strings.CutPrefix(loc, "s3://"); ok {
		return "s3://" + path.Dir(rest), path.Base(rest)
	}
	i := strings.LastIndexAny(loc, `/\`)
	if i < 0 {
		return ".", loc
	}
	return loc[:i], loc[i+1:]
}
