package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Titanium-SS/CheckMate/IO"
	"github.com/Titanium-SS/CheckMate/play"
	"github.com/Titanium-SS/CheckMate/server"
	"github.com/Titanium-SS/CheckMate/utils"
)

const banner = "===== CheckMate Engine =====\n" +
	"    Enter valid moves in PGN format.\n" +
	"    Enter \\b to undo a move.\n" +
	"    Enter \\m to show all moves\n" +
	"    Esc or Ctrl+C quits."

type gameStyles struct {
	title lipgloss.Style
	white lipgloss.Style
	black lipgloss.Style
	dim   lipgloss.Style
	warn  lipgloss.Style
}

func defaultGameStyles() gameStyles {
	brand := lipgloss.AdaptiveColor{Light: "26", Dark: "81"}
	subtle := lipgloss.AdaptiveColor{Light: "245", Dark: "244"}
	return gameStyles{
		title: lipgloss.NewStyle().Bold(true).Foreground(brand),
		white: lipgloss.NewStyle().Bold(true),
		black: lipgloss.NewStyle().Foreground(brand).Bold(true),
		dim:   lipgloss.NewStyle().Foreground(subtle),
		warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
	}
}

type replyMsg struct{ ev play.Event }

type gameModel struct {
	ctx      context.Context
	session  *play.Session
	input    textinput.Model
	spin     spinner.Model
	styles   gameStyles
	lines    []string
	thinking bool
	over     bool
}

func newGameModel(ctx context.Context, session *play.Session) gameModel {
	in := textinput.New()
	in.Prompt = "WHITE MOVE: "
	in.Placeholder = "e4"
	in.CharLimit = 16
	in.Width = 20
	in.Focus()
	styles := defaultGameStyles()
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.black
	return gameModel{ctx: ctx, session: session, input: in, spin: sp, styles: styles}
}

func (m gameModel) Init() tea.Cmd { return textinput.Blink }

func handleCmd(ctx context.Context, s *play.Session, line string) tea.Cmd {
	return func() tea.Msg { return replyMsg{ev: s.Handle(ctx, line)} }
}

func (m gameModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			if m.thinking || m.over {
				return m, nil
			}
			line := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if line == "" {
				return m, nil
			}
			m.thinking = true
			return m, tea.Batch(handleCmd(m.ctx, m.session, line), m.spin.Tick)
		}
	case spinner.TickMsg:
		if !m.thinking {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	case replyMsg:
		m.thinking = false
		m.addEvent(msg.ev)
		if m.session.Over() {
			m.over = true
			m.lines = append(m.lines, m.styles.title.Render("--- Final board ---"), msg.ev.Moves)
			return m, tea.Quit
		}
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *gameModel) addEvent(ev play.Event) {
	s := m.styles
	switch ev.Kind {
	case play.EventMoves:
		m.lines = append(m.lines, s.dim.Render("Moves so far: "+ev.Moves))
	case play.EventUndo:
		m.lines = append(m.lines, s.dim.Render("Undone. Moves so far: "+ev.Moves))
	case play.EventBadFormat:
		m.lines = append(m.lines, s.warn.Render("ILLEGAL MOVE FORMAT. Please, try again."))
	case play.EventMove:
		line := s.white.Render("WHITE: " + ev.White)
		if ev.Black != "" && ev.Black != IO.EosToken {
			line += "   " + s.black.Render("BLACK MOVE: "+ev.Black)
		}
		m.lines = append(m.lines, line)
	case play.EventIllegal:
		m.lines = append(m.lines, s.warn.Render("ILLEGAL MOVE. Please, try again."))
	case play.EventUnhandled:
		m.lines = append(m.lines, s.warn.Render(fmt.Sprintf("UNHANDLED ERROR: %v", ev.Err)))
	case play.EventGameOver:
		m.lines = append(m.lines, s.dim.Render("The game is over."))
	}
}

func (m gameModel) View() string {
	var b strings.Builder
	b.WriteString(m.styles.title.Render(banner))
	b.WriteString("\n\n")
	lines := m.lines
	if len(lines) > 20 {
		lines = lines[len(lines)-20:]
	}
	for _, ln := range lines {
		b.WriteString(ln)
		b.WriteByte('\n')
	}
	switch {
	case m.over:
	case m.thinking:
		b.WriteString(m.spin.View() + " " + m.styles.dim.Render("BLACK is thinking..."))
	default:
		b.WriteString(m.input.View())
	}
	b.WriteByte('\n')
	return b.String()
}

// playGame runs the interactive game until the user quits or the game ends.
func playGame(ctx context.Context, app *server.App, logPath string) error {
	moveLog, err := IO.NewMoveLog(logPath)
	if err != nil {
		return err
	}
	session := play.NewSession(app.Engine, moveLog, app.Cfg.Generate.Temperature, app.Cfg.Model.NPositions)

	// keep log lines off the game screen
	utils.SetOutput(io.Discard)
	defer utils.SetOutput(os.Stderr)

	_, err = tea.NewProgram(newGameModel(ctx, session), tea.WithContext(ctx)).Run()
	if err != nil && ctx.Err() == nil {
		return err
	}
	fmt.Println("--- Final board ---")
	fmt.Println(session.Moves())
	return nil
}
