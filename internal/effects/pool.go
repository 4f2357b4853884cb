// Package effects bounds the short-lived visual artifacts the watch view
// spawns for battle events. Everything here is client-local and single
// goroutine; the Bubble Tea loop owns the Pool.
package effects

import (
	"fmt"
	"strings"
	"time"

	"reflexduel/internal/event"

	"github.com/google/uuid"
)

type Mode string

const (
	ModeReduced Mode = "reduced"
	ModeFull    Mode = "full"
	ModeAuto    Mode = "auto"
)

// DefaultMaxAge is the failsafe ceiling for any artifact, well past the
// longest declared lifetime.
const DefaultMaxAge = 15 * time.Second

func (m Mode) Cap() int {
	if m == ModeFull {
		return 10
	}
	return 5
}

func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModeReduced, ModeFull, ModeAuto:
		return m, nil
	case "":
		return ModeAuto, nil
	default:
		return "", fmt.Errorf("unknown effects mode %q", raw)
	}
}

// Lifetime is how long an artifact of kind t stays on screen when its own
// completion fires normally.
func Lifetime(t event.Type) time.Duration {
	switch t {
	case event.BattleResolved:
		return 5 * time.Second
	case event.DefenseNeeded:
		return 3 * time.Second
	default:
		return 2500 * time.Millisecond
	}
}

type entry struct {
	artifact  Artifact
	createdAt time.Time
}

type Pool struct {
	cap    int
	maxAge time.Duration
	clock  func() time.Time
	newID  func() string
	live   map[string]entry
	order  []string
}

type Option func(*Pool)

func WithClock(clock func() time.Time) Option {
	return func(p *Pool) {
		if clock != nil {
			p.clock = clock
		}
	}
}

func WithMaxAge(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.maxAge = d
		}
	}
}

func NewPool(mode Mode, opts ...Option) *Pool {
	p := &Pool{
		cap:    mode.Cap(),
		maxAge: DefaultMaxAge,
		clock:  time.Now,
		newID:  uuid.NewString,
		live:   make(map[string]entry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Spawn adds an artifact and returns its id together with the ids evicted to
// stay within the cap, oldest first. Spawning a live id replaces it and makes
// it the newest.
func (p *Pool) Spawn(a Artifact) (string, []string) {
	if a.ID == "" {
		a.ID = p.newID()
	}
	if _, ok := p.live[a.ID]; ok {
		p.dropOrder(a.ID)
	}
	now := p.clock()
	a.CreatedAt = now
	p.live[a.ID] = entry{artifact: a, createdAt: now}
	p.order = append(p.order, a.ID)

	var evicted []string
	for len(p.order) > p.cap {
		oldest := p.order[0]
		p.order = p.order[1:]
		delete(p.live, oldest)
		evicted = append(evicted, oldest)
	}
	return a.ID, evicted
}

// Complete removes an artifact whose lifetime ended. Unknown ids are ignored
// since eviction or the sweep may have removed it first.
func (p *Pool) Complete(id string) bool {
	if _, ok := p.live[id]; !ok {
		return false
	}
	delete(p.live, id)
	p.dropOrder(id)
	return true
}

// Sweep removes every artifact older than the max age, whether or not its
// completion ever fired.
func (p *Pool) Sweep(now time.Time) []string {
	var removed []string
	kept := p.order[:0]
	for _, id := range p.order {
		if now.Sub(p.live[id].createdAt) > p.maxAge {
			delete(p.live, id)
			removed = append(removed, id)
			continue
		}
		kept = append(kept, id)
	}
	p.order = kept
	return removed
}

func (p *Pool) Len() int { return len(p.order) }

func (p *Pool) Cap() int { return p.cap }

// Live returns the current artifacts, oldest first.
func (p *Pool) Live() []Artifact {
	out := make([]Artifact, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.live[id].artifact)
	}
	return out
}

func (p *Pool) dropOrder(id string) {
	for i, v := range p.order {
		if v == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}
