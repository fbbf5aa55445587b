package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Titanium-SS/CheckMate/generate"
	"github.com/Titanium-SS/CheckMate/play"
)

func TestPlotLosses(t *testing.T) {
	var buf bytes.Buffer
	plotLosses(&buf, []float64{2, 1, 0.5})
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	// header, 10 rows, axis, labels
	if len(lines) != 13 {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}
	if lines[1] != "█  " {
		t.Fatalf("top row %q, only the largest loss should reach it", lines[1])
	}
	if lines[10] != "███" {
		t.Fatalf("bottom row %q", lines[10])
	}

	buf.Reset()
	plotLosses(&buf, nil)
	if !strings.Contains(buf.String(), "no data") {
		t.Fatalf("empty plot: %q", buf.String())
	}
}

type alwaysE5 struct{}

func (alwaysE5) Predict(_ context.Context, req generate.Request) generate.Result {
	return generate.Result{Status: generate.StatusOK, Moves: req.Moves + " e5", Generated: 1}
}

func TestGameModelShowsReply(t *testing.T) {
	ctx := context.Background()
	s := play.NewSession(alwaysE5{}, nil, 0.2, 64)
	m := newGameModel(ctx, s)

	m.input.SetValue("e4")
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	gm := next.(gameModel)
	if !gm.thinking || cmd == nil {
		t.Fatalf("enter should start the engine")
	}
	var reply tea.Msg
	for _, c := range cmd().(tea.BatchMsg) {
		if msg, ok := c().(replyMsg); ok {
			reply = msg
		}
	}
	if reply == nil {
		t.Fatalf("no engine reply in batch")
	}
	next, _ = gm.Update(reply)
	gm = next.(gameModel)
	if gm.thinking || !strings.Contains(gm.View(), "BLACK MOVE: e5") {
		t.Fatalf("view:\n%s", gm.View())
	}
	if s.Moves() != "<bos> e4 e5" {
		t.Fatalf("session moves %q", s.Moves())
	}
}
