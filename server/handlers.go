package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/Titanium-SS/CheckMate/IO"
	"github.com/Titanium-SS/CheckMate/generate"
	"github.com/Titanium-SS/CheckMate/utils"
)

type PredictRequest struct {
	InputMoves *string `json:"input_moves"`
}

type PredictResponse struct {
	Success bool   `json:"success"`
	Moves   string `json:"moves,omitempty"`
	Message string `json:"message,omitempty"`
}

const (
	msgBadRequest = "Bad request"
	msgIllegal    = "Illegal move."
	msgUnhandled  = "Unhandled error."
)

// Routes returns the HTTP surface: POST /predict with CORS.
func (a *App) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/predict", a.handlePredict)
	return mux
}

func (a *App) handlePredict(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "*")
		h.Set("Access-Control-Allow-Methods", "*")
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		w.Header().Set("Access-Control-Allow-Origin", "*")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req PredictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InputMoves == nil {
		writeJSON(w, PredictResponse{Message: msgBadRequest})
		return
	}

	ctx := r.Context()
	if t := a.Cfg.Generate.Timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	start := time.Now()
	res := a.Engine.Predict(ctx, generate.Request{
		Moves:          IO.BosToken + " " + strings.TrimSpace(*req.InputMoves),
		StopAtNextMove: true,
		Temperature:    a.Cfg.Generate.Temperature,
	})
	utils.Debugf("predict %q -> %s in %v", *req.InputMoves, res.Status, time.Since(start))

	switch res.Status {
	case generate.StatusOK:
		writeJSON(w, PredictResponse{Success: true, Moves: strings.TrimPrefix(res.Moves, IO.BosToken+" ")})
	case generate.StatusIllegalMove:
		writeJSON(w, PredictResponse{Message: msgIllegal})
	default:
		utils.Warnf("predict: %v", res.Err)
		writeJSON(w, PredictResponse{Message: msgUnhandled})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		utils.Warnf("write response: %v", err)
	}
}

// ListenAndServe serves Routes on addr until ctx is cancelled.
func (a *App) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	utils.Infof("serving /predict on %s", addr)

	select {
	case err := <-errc:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Wrap(srv.Shutdown(shutdownCtx), "shutdown")
	}
}
