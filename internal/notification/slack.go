package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SlackProvider posts to a Slack incoming webhook.
type SlackProvider struct {
	webhookURL string
	httpClient *http.Client
}

func NewSlackProvider(webhookURL string, client *http.Client) *SlackProvider {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &SlackProvider{webhookURL: strings.TrimSpace(webhookURL), httpClient: client}
}

func (p *SlackProvider) PostMessage(ctx context.Context, channelID string, message string) error {
	body, err := json.Marshal(map[string]string{
		"channel": channelID,
		"text":    message,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// SlackNotifier adapts SlackProvider to Notifier.
type SlackNotifier struct {
	provider *SlackProvider
	channel  string
}

func NewSlackNotifier(provider *SlackProvider, channel string) *SlackNotifier {
	return &SlackNotifier{provider: provider, channel: channel}
}

func (s *SlackNotifier) Notify(ctx context.Context, n Notification) error {
	return s.provider.PostMessage(ctx, s.channel, n.Text())
}
