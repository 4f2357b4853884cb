// Package syncq keeps taps and resolves that could not reach the API so a
// later `duelctl sync` can replay them. Both operations are idempotent on the
// server, so replaying a command that did land is harmless.
package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"reflexduel/internal/cli"

	"github.com/google/uuid"
)

type Command struct {
	ID       string         `json:"id"`
	Method   string         `json:"method"`
	Path     string         `json:"path"`
	Body     map[string]any `json:"body,omitempty"`
	QueuedAt time.Time      `json:"queued_at"`
}

type ReplayResult struct {
	Replayed int
	Dropped  int
	Pending  int
	Errors   []string
}

func queuePath() (string, error) {
	dir, err := cli.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "queue.json"), nil
}

func Load() ([]Command, error) {
	path, err := queuePath()
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Command{}, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return []Command{}, nil
	}
	var out []Command
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func Save(commands []Command) error {
	path, err := queuePath()
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(commands, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

func Push(cmd Command) error {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.QueuedAt.IsZero() {
		cmd.QueuedAt = time.Now().UTC()
	}
	commands, err := Load()
	if err != nil {
		return err
	}
	commands = append(commands, cmd)
	return Save(commands)
}

// Replay sends queued commands in order. Successes and permanent failures
// leave the queue; commands whose error is retryable stay for the next sync.
func Replay(ctx context.Context, send func(context.Context, Command) error, retryable func(error) bool) (ReplayResult, error) {
	commands, err := Load()
	if err != nil {
		return ReplayResult{}, err
	}
	var (
		res  ReplayResult
		keep []Command
	)
	for _, cmd := range commands {
		if ctx.Err() != nil {
			keep = append(keep, cmd)
			continue
		}
		err := send(ctx, cmd)
		switch {
		case err == nil:
			res.Replayed++
		case retryable(err):
			keep = append(keep, cmd)
			res.Errors = append(res.Errors, cmd.Method+" "+cmd.Path+": "+err.Error())
		default:
			res.Dropped++
			res.Errors = append(res.Errors, cmd.Method+" "+cmd.Path+": "+err.Error())
		}
	}
	if keep == nil {
		keep = []Command{}
	}
	res.Pending = len(keep)
	if err := Save(keep); err != nil {
		return res, err
	}
	return res, ctx.Err()
}
