package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	cl "reflexduel/internal/cli"
	"reflexduel/internal/duel"
	"reflexduel/internal/effects"
	"reflexduel/internal/event"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

const (
	activePollEvery = 10 * time.Second
	sweepEvery      = time.Second
	maxToasts       = 3
	toastWindow     = 5 * time.Second
	toastInterval   = 750 * time.Millisecond
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5FD7FF"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#8A8A8A"))
	toastStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD75F"))
)

// battleSource is what the watch loop needs from the API client.
type battleSource interface {
	ActiveBattle(ctx context.Context, accessToken string) (duel.Battle, error)
	StreamEvents(ctx context.Context, accessToken, battleID string, fn func(event.Event) bool) error
}

func newWatchCmd(apiBase *string, defaultMode string) *cobra.Command {
	mode := defaultMode
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow your active battle live",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession()
			if err != nil {
				return err
			}
			parsed, err := effects.ParseMode(mode)
			if err != nil {
				return err
			}
			caps := effects.Probe(os.Stdout, os.Getenv)
			resolved := effects.ResolveMode(parsed, caps)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			m := newWatchModel(ctx, newClient(apiBase), sess, watchDeps{
				pool:     effects.NewPool(resolved),
				renderer: effects.SelectRenderer(caps),
				limiter:  effects.NewLimiter(toastWindow, toastInterval, nil),
				clock:    time.Now,
			})
			_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
			if errors.Is(err, tea.ErrProgramKilled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&mode, "mode", mode, "effects mode: reduced, full or auto")
	return cmd
}

type watchDeps struct {
	pool     *effects.Pool
	renderer effects.Renderer
	limiter  *effects.Limiter
	clock    func() time.Time
}

type stream struct {
	battleID string
	events   chan event.Event
	cancel   context.CancelFunc
	err      error
}

type pollTickMsg struct{}

type sweepTickMsg time.Time

type activeMsg struct {
	battle duel.Battle
	err    error
}

type realtimeMsg struct {
	battleID string
	ev       event.Event
}

type streamClosedMsg struct {
	battleID string
	err      error
}

type expireMsg struct{ id string }

type watchModel struct {
	ctx     context.Context
	source  battleSource
	session cl.Session
	watchDeps

	spinner spinner.Model
	battle  *duel.Battle
	stream  *stream
	toasts  []string
	lastErr string
}

func newWatchModel(ctx context.Context, source battleSource, sess cl.Session, deps watchDeps) *watchModel {
	if deps.clock == nil {
		deps.clock = time.Now
	}
	return &watchModel{
		ctx:       ctx,
		source:    source,
		session:   sess,
		watchDeps: deps,
		spinner:   spinner.New(spinner.WithSpinner(spinner.Dot)),
	}
}

func (m *watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetchActive(), pollTick(), sweepTick())
}

func (m *watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.stopStream()
			return m, tea.Quit
		}
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case pollTickMsg:
		return m, tea.Batch(m.fetchActive(), pollTick())
	case sweepTickMsg:
		m.pool.Sweep(time.Time(msg))
		return m, sweepTick()
	case activeMsg:
		return m, m.onActive(msg)
	case realtimeMsg:
		return m, m.onRealtime(msg)
	case streamClosedMsg:
		if m.stream == nil || msg.battleID != m.stream.battleID {
			return m, nil
		}
		m.stream = nil
		if msg.err != nil {
			m.lastErr = "stream: " + msg.err.Error()
		}
		return m, m.fetchActive()
	case expireMsg:
		m.pool.Complete(msg.id)
	}
	return m, nil
}

func (m *watchModel) onActive(msg activeMsg) tea.Cmd {
	if msg.err != nil {
		var se *cl.StatusError
		if errors.As(msg.err, &se) && se.StatusCode == http.StatusNotFound {
			m.battle = nil
			m.stopStream()
			m.lastErr = ""
			return nil
		}
		m.lastErr = msg.err.Error()
		return nil
	}
	m.lastErr = ""
	b := msg.battle
	m.battle = &b
	if m.stream != nil && m.stream.battleID == b.ID {
		return nil
	}
	m.stopStream()
	m.stream = m.startStream(b.ID)
	return waitForEvent(m.stream)
}

func (m *watchModel) onRealtime(msg realtimeMsg) tea.Cmd {
	if m.stream == nil || msg.battleID != m.stream.battleID {
		// A stale stream means our idea of the active battle is out of date.
		return m.fetchActive()
	}
	cmds := []tea.Cmd{waitForEvent(m.stream)}

	artifact := m.renderer.Render(effects.ConfigFor(msg.ev, m.session.UserID))
	id, _ := m.pool.Spawn(artifact)
	cmds = append(cmds, expireAfter(id, artifact.Lifetime))

	if m.limiter.Allow(msg.ev.BattleID + ":" + string(msg.ev.Type)) {
		m.pushToast(toastText(msg.ev, m.session.UserID))
	}
	if msg.ev.Type == event.BattleResolved {
		cmds = append(cmds, m.fetchActive())
	}
	return tea.Batch(cmds...)
}

func (m *watchModel) pushToast(text string) {
	m.toasts = append(m.toasts, text)
	if len(m.toasts) > maxToasts {
		m.toasts = m.toasts[len(m.toasts)-maxToasts:]
	}
}

func (m *watchModel) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("duelctl watch"))
	b.WriteString("  " + m.spinner.View())
	b.WriteString(mutedStyle.Render(fmt.Sprintf("  effects %d/%d", m.pool.Len(), m.pool.Cap())))
	b.WriteString("\n\n")

	if m.battle == nil {
		b.WriteString(mutedStyle.Render("No active battle. Polling every 10s."))
		b.WriteString("\n")
	} else {
		fmt.Fprintf(&b, "Battle %s  %s  stake %d %s\n", m.battle.ID, m.battle.Status, m.battle.StakeAmount, m.battle.StakeType)
		fmt.Fprintf(&b, "%s vs %s\n", m.battle.CreatorID, m.battle.OpponentID)
	}
	b.WriteString("\n")
	for _, a := range m.pool.Live() {
		b.WriteString(a.Frame)
		b.WriteString("\n")
	}
	for _, t := range m.toasts {
		b.WriteString(toastStyle.Render(t))
		b.WriteString("\n")
	}
	if m.lastErr != "" {
		b.WriteString(danger.Sprint(m.lastErr))
		b.WriteString("\n")
	}
	b.WriteString(mutedStyle.Render("q to quit"))
	return b.String()
}

func (m *watchModel) fetchActive() tea.Cmd {
	ctx, source, token := m.ctx, m.source, m.session.AccessToken
	return func() tea.Msg {
		reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		b, err := source.ActiveBattle(reqCtx, token)
		return activeMsg{battle: b, err: err}
	}
}

func (m *watchModel) startStream(battleID string) *stream {
	sctx, cancel := context.WithCancel(m.ctx)
	s := &stream{battleID: battleID, events: make(chan event.Event, 16), cancel: cancel}
	source, token := m.source, m.session.AccessToken
	go func() {
		err := source.StreamEvents(sctx, token, battleID, func(ev event.Event) bool {
			select {
			case s.events <- ev:
				return true
			case <-sctx.Done():
				return false
			}
		})
		if sctx.Err() == nil {
			s.err = err
		}
		close(s.events)
	}()
	return s
}

func (m *watchModel) stopStream() {
	if m.stream != nil {
		m.stream.cancel()
		m.stream = nil
	}
}

func waitForEvent(s *stream) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-s.events
		if !ok {
			return streamClosedMsg{battleID: s.battleID, err: s.err}
		}
		return realtimeMsg{battleID: s.battleID, ev: ev}
	}
}

func expireAfter(id string, d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return expireMsg{id: id} })
}

func pollTick() tea.Cmd {
	return tea.Tick(activePollEvery, func(time.Time) tea.Msg { return pollTickMsg{} })
}

func sweepTick() tea.Cmd {
	return tea.Tick(sweepEvery, func(t time.Time) tea.Msg { return sweepTickMsg(t) })
}

func toastText(ev event.Event, viewerID string) string {
	switch ev.Type {
	case event.AttackStarted:
		return "Attack launched. Tap on the cue!"
	case event.DefenseNeeded:
		return "Incoming attack. Defend now!"
	case event.BattleResolved:
		if ev.WinnerID == viewerID {
			return "You won the duel."
		}
		return "You lost the duel."
	default:
		return string(ev.Type)
	}
}
