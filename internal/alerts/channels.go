package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wneessen/go-mail"
)

// ConsoleChannel writes alerts to the structured log
type ConsoleChannel struct {
	logger *logrus.Logger
}

func NewConsoleChannel(logger *logrus.Logger) *ConsoleChannel {
	return &ConsoleChannel{logger: logger}
}

func (c *ConsoleChannel) Name() string { return "console" }

func (c *ConsoleChannel) Send(ctx context.Context, alert Alert) error {
	c.logger.WithFields(logrus.Fields{
		"alert":      true,
		"alert_id":   alert.ID,
		"alert_type": alert.Type,
		"timestamp":  alert.Timestamp,
	}).Warn(alert.Message)
	return nil
}

// WebhookChannel posts the alert as JSON
type WebhookChannel struct {
	url    string
	client *http.Client
}

func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{url: url, client: &http.Client{Timeout: timeout}}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, alert Alert) error {
	return postJSON(ctx, c.client, c.url, alert)
}

// ChatChannel posts to a Slack-compatible incoming webhook
type ChatChannel struct {
	url    string
	client *http.Client
}

func NewChatChannel(url string, timeout time.Duration) *ChatChannel {
	return &ChatChannel{url: url, client: &http.Client{Timeout: timeout}}
}

func (c *ChatChannel) Name() string { return "chat" }

func (c *ChatChannel) Send(ctx context.Context, alert Alert) error {
	body := map[string]string{
		"text": fmt.Sprintf("*[%s]* %s", alert.Type, alert.Message),
	}
	return postJSON(ctx, c.client, c.url, body)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post alert: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// mailSender is the part of *mail.Client the email channel uses
type mailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// EmailChannel sends alerts over SMTP
type EmailChannel struct {
	config SMTPConfig
	client mailSender
}

func NewEmailChannel(config SMTPConfig) (*EmailChannel, error) {
	if config.Port == 0 {
		config.Port = 587
	}

	opts := []mail.Option{
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
		mail.WithPort(config.Port),
	}
	if config.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(config.Username),
			mail.WithPassword(config.Password),
		)
	}

	client, err := mail.NewClient(config.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create mail client: %w", err)
	}
	return &EmailChannel{config: config, client: client}, nil
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(ctx context.Context, alert Alert) error {
	if len(c.config.To) == 0 {
		return fmt.Errorf("email channel has no recipients")
	}

	msg := mail.NewMsg()
	if err := msg.From(c.config.From); err != nil {
		return fmt.Errorf("invalid alert sender: %w", err)
	}
	if err := msg.To(c.config.To...); err != nil {
		return fmt.Errorf("invalid alert recipient: %w", err)
	}
	msg.Subject(fmt.Sprintf("[%s] routing engine alert", alert.Type))
	if !alert.Timestamp.IsZero() {
		msg.SetDateWithValue(alert.Timestamp)
	}
	msg.SetBodyString(mail.TypeTextPlain, alert.Message)

	if err := c.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("failed to send alert email: %w", err)
	}
	return nil
}
