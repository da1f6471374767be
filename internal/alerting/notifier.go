package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DriverLine is one ranked root-cause driver attached to a notification.
type DriverLine struct {
	Dimension       string
	Segment         string
	Delta           float64
	ContributionPct float64
}

// Notification carries one anomaly and its top drivers to a channel.
type Notification struct {
	Metric       string
	AlertDate    time.Time
	Severity     string
	Method       string
	Actual       float64
	Expected     float64
	DeviationPct float64
	Explanation  string
	Channels     []string
	Drivers      []DriverLine
}

// Notifier delivers anomaly notifications.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes notifications through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify sends the rendered message via the sendMessage API.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram responded with status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().
		Str("metric", note.Metric).
		Str("severity", note.Severity).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("alert dispatched (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[KPI Alert] %s\n", strings.ToUpper(note.Severity)))
	builder.WriteString(fmt.Sprintf("Metric: %s\n", note.Metric))
	builder.WriteString(fmt.Sprintf("Date: %s\n", note.AlertDate.Format("2006-01-02")))
	builder.WriteString(fmt.Sprintf("Method: %s\n", note.Method))
	builder.WriteString(fmt.Sprintf("Actual: %.2f (expected %.2f, %+.1f%%)\n", note.Actual, note.Expected, note.DeviationPct*100))
	builder.WriteString(note.Explanation)
	builder.WriteString("\n")
	if len(note.Drivers) > 0 {
		builder.WriteString("Top drivers:\n")
		for _, d := range note.Drivers {
			builder.WriteString(fmt.Sprintf("  %s=%s delta %+.1f (%.0f%% of gap)\n",
				d.Dimension, d.Segment, d.Delta, d.ContributionPct*100))
		}
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
