package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBarkGroup = "taskpilot"

// BarkNotifier pushes pipeline and alert messages to a Bark device key.
type BarkNotifier struct {
	endpoint string
	group    string
	client   *http.Client
}

// NewBarkNotifier targets baseURL, which already carries the device key
// (https://api.day.app/{key}). An empty group falls back to "taskpilot".
func NewBarkNotifier(baseURL, group string) (*BarkNotifier, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("bark url is empty")
	}
	if group == "" {
		group = defaultBarkGroup
	}
	return &BarkNotifier{
		endpoint: endpoint,
		group:    group,
		client:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Send posts title and body as a form. Bark also accepts /{key}/{title}/{body}
// paths, but alert bodies list addresses and timestamps that outgrow a URL,
// so everything goes in the request body instead.
func (b *BarkNotifier) Send(ctx context.Context, title, body string) error {
	form := url.Values{}
	form.Set("title", title)
	form.Set("body", body)
	form.Set("group", b.group)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create bark request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("send bark notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("bark api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
