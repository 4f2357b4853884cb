package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"reflexduel/internal/auth"
	"reflexduel/internal/duel"
	"reflexduel/internal/event"
	"reflexduel/internal/notify"
)

// StatusError is a non-2xx API response. Anything else returned by the
// client is a transport failure.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.StatusCode, e.Message)
}

// IsTransient reports whether err is worth queueing for a later replay.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	return !errors.Is(err, context.Canceled)
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
	// Stream has no overall timeout; event streams stay open.
	Stream *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
		Stream: &http.Client{},
	}
}

type ResolveResponse struct {
	Result          duel.Result `json:"result"`
	AlreadyResolved bool        `json:"already_resolved"`
	Status          string      `json:"status,omitempty"`
}

// Incomplete reports a 202 answer: a participant has not tapped yet.
func (r ResolveResponse) Incomplete() bool { return r.Status == "incomplete" }

type GhostResponse struct {
	GhostMode duel.GhostMode `json:"ghost_mode"`
	InForce   bool           `json:"in_force"`
}

type battleEnvelope struct {
	Battle duel.Battle `json:"battle"`
}

func (c *Client) Login(ctx context.Context, email, password string) (auth.Session, error) {
	var out auth.Session
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":    email,
		"password": password,
	}, &out, nil)
	return out, err
}

func (c *Client) ActiveBattle(ctx context.Context, accessToken string) (duel.Battle, error) {
	var out battleEnvelope
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/battles/active", accessToken, nil, &out, nil)
	return out.Battle, err
}

func (c *Client) Battle(ctx context.Context, accessToken, battleID string) (duel.Battle, error) {
	var out battleEnvelope
	err := c.jsonRequest(ctx, http.MethodGet, BattlePath(battleID, ""), accessToken, nil, &out, nil)
	return out.Battle, err
}

func (c *Client) Advance(ctx context.Context, accessToken, battleID string, to duel.Status) (duel.Battle, error) {
	var out battleEnvelope
	err := c.jsonRequest(ctx, http.MethodPost, BattlePath(battleID, "/advance"), accessToken, AdvanceBody(to), &out, nil)
	return out.Battle, err
}

func (c *Client) Tap(ctx context.Context, accessToken, battleID string, reactionMS int64, tappedAt time.Time) (duel.Battle, error) {
	var out battleEnvelope
	err := c.jsonRequest(ctx, http.MethodPost, BattlePath(battleID, "/tap"), accessToken, TapBody(reactionMS, tappedAt), &out, nil)
	return out.Battle, err
}

func (c *Client) Resolve(ctx context.Context, accessToken, battleID string) (ResolveResponse, error) {
	var out ResolveResponse
	err := c.jsonRequest(ctx, http.MethodPost, BattlePath(battleID, "/resolve"), accessToken, nil, &out, nil)
	return out, err
}

func (c *Client) Ghost(ctx context.Context, accessToken string) (GhostResponse, error) {
	var out GhostResponse
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/ghost", accessToken, nil, &out, nil)
	return out, err
}

func (c *Client) Dispatch(ctx context.Context, secret string) (notify.Report, error) {
	var out notify.Report
	err := c.jsonRequest(ctx, http.MethodPost, "/internal/notifications/dispatch", "", nil, &out, map[string]string{
		"X-Dispatch-Secret": secret,
	})
	return out, err
}

// Do replays a raw command, used by the offline queue.
func (c *Client) Do(ctx context.Context, method, path, accessToken string, body map[string]any) error {
	var in any
	if body != nil {
		in = body
	}
	return c.jsonRequest(ctx, method, path, accessToken, in, nil, nil)
}

// AdvanceBody and TapBody are shared with the replay queue so a queued
// command sends exactly what the live call would have.
func AdvanceBody(to duel.Status) map[string]any {
	return map[string]any{"status": string(to)}
}

func TapBody(reactionMS int64, tappedAt time.Time) map[string]any {
	body := map[string]any{"reaction_ms": reactionMS}
	if !tappedAt.IsZero() {
		body["tapped_at"] = tappedAt.UTC().Format(time.RFC3339Nano)
	}
	return body
}

func BattlePath(battleID, suffix string) string {
	return "/v1/battles/" + url.PathEscape(battleID) + suffix
}

// StreamEvents reads the battle's server-sent events until the server closes
// the stream, ctx ends, or fn returns false.
func (c *Client) StreamEvents(ctx context.Context, accessToken, battleID string, fn func(event.Event) bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+BattlePath(battleID, "/events"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := c.Stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ev event.Event
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			data.Reset()
			if !fn(ev) {
				return nil
			}
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (c *Client) jsonRequest(ctx context.Context, method, path, accessToken string, in any, out any, headers map[string]string) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: msg}
}
