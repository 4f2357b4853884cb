// Package push talks to the device push gateway.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"reflexduel/internal/notify"
)

var ErrNoRecipients = errors.New("push requires at least one recipient")

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type sendRequest struct {
	UserIDs []string       `json:"user_ids"`
	Payload notify.Payload `json:"payload"`
}

// Send delivers one payload to the given users. A non-2xx status is an error;
// a 2xx body with success=false is returned as-is for the caller to judge.
func (c *Client) Send(ctx context.Context, userIDs []string, payload notify.Payload) (notify.SendResult, error) {
	if len(userIDs) == 0 {
		return notify.SendResult{}, ErrNoRecipients
	}
	var out notify.SendResult
	if err := c.postJSON(ctx, "/send", sendRequest{UserIDs: userIDs, Payload: payload}, &out); err != nil {
		return notify.SendResult{}, err
	}
	return out, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("push status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode push response: %w", err)
	}
	return nil
}
