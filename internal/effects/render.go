package effects

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"reflexduel/internal/event"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Config describes one artifact before it is rendered.
type Config struct {
	Kind     event.Type
	BattleID string
	Anchor   event.Anchor
	Headline string
}

type Artifact struct {
	ID        string
	Kind      event.Type
	BattleID  string
	Anchor    event.Anchor
	Frame     string
	Lifetime  time.Duration
	CreatedAt time.Time
}

type Renderer interface {
	Render(cfg Config) Artifact
}

func ConfigFor(ev event.Event, viewerID string) Config {
	cfg := Config{Kind: ev.Type, BattleID: ev.BattleID, Anchor: ev.Anchor}
	switch ev.Type {
	case event.AttackStarted:
		cfg.Headline = "ATTACK"
	case event.DefenseNeeded:
		cfg.Headline = "DEFEND"
	case event.BattleResolved:
		switch ev.WinnerID {
		case "":
			cfg.Headline = "RESOLVED"
		case viewerID:
			cfg.Headline = "VICTORY"
		default:
			cfg.Headline = "DEFEAT"
		}
	default:
		cfg.Headline = strings.ToUpper(string(ev.Type))
	}
	return cfg
}

func anchorLabel(a event.Anchor) string {
	return fmt.Sprintf("@%.4f,%.4f", a.Lat, a.Lng)
}

func baseArtifact(cfg Config) Artifact {
	return Artifact{
		Kind:     cfg.Kind,
		BattleID: cfg.BattleID,
		Anchor:   cfg.Anchor,
		Lifetime: Lifetime(cfg.Kind),
	}
}

type PlainRenderer struct{}

func (PlainRenderer) Render(cfg Config) Artifact {
	a := baseArtifact(cfg)
	a.Frame = fmt.Sprintf("[%s] %s %s", cfg.Headline, cfg.BattleID, anchorLabel(cfg.Anchor))
	return a
}

type StyledRenderer struct {
	styles map[event.Type]lipgloss.Style
	plain  lipgloss.Style
}

func NewStyledRenderer() StyledRenderer {
	box := lipgloss.NewStyle().Bold(true).Padding(0, 1).Border(lipgloss.RoundedBorder())
	return StyledRenderer{
		styles: map[event.Type]lipgloss.Style{
			event.AttackStarted:  box.Foreground(lipgloss.Color("#FF8700")).BorderForeground(lipgloss.Color("#FF8700")),
			event.DefenseNeeded:  box.Foreground(lipgloss.Color("#FF005F")).BorderForeground(lipgloss.Color("#FF005F")),
			event.BattleResolved: box.Foreground(lipgloss.Color("#00D787")).BorderForeground(lipgloss.Color("#00D787")),
		},
		plain: box,
	}
}

func (r StyledRenderer) Render(cfg Config) Artifact {
	a := baseArtifact(cfg)
	style, ok := r.styles[cfg.Kind]
	if !ok {
		style = r.plain
	}
	a.Frame = style.Render(cfg.Headline + "  " + cfg.BattleID + " " + anchorLabel(cfg.Anchor))
	return a
}

type Capabilities struct {
	TTY   bool
	Color bool
	Width int
}

// Probe inspects the output terminal once at startup.
func Probe(out io.Writer, getenv func(string) string) Capabilities {
	if getenv == nil {
		getenv = os.Getenv
	}
	var caps Capabilities
	if f, ok := out.(*os.File); ok {
		fd := int(f.Fd())
		caps.TTY = term.IsTerminal(fd)
		if caps.TTY {
			if w, _, err := term.GetSize(fd); err == nil {
				caps.Width = w
			}
		}
	}
	caps.Color = caps.TTY && getenv("NO_COLOR") == "" && getenv("TERM") != "dumb"
	return caps
}

func SelectRenderer(caps Capabilities) Renderer {
	if caps.Color {
		return NewStyledRenderer()
	}
	return PlainRenderer{}
}

// ResolveMode turns auto into a concrete mode for the probed terminal.
func ResolveMode(mode Mode, caps Capabilities) Mode {
	if mode != ModeAuto {
		return mode
	}
	if caps.Color && caps.Width >= 100 {
		return ModeFull
	}
	return ModeReduced
}
