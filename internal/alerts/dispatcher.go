// Package alerts delivers operational alerts to pluggable channels through a
// buffered queue drained by a single worker.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/adaptive-routing-engine/internal/metrics"
)

var (
	ErrBufferFull        = errors.New("alert buffer full")
	ErrDispatcherStopped = errors.New("alert dispatcher stopped")
)

// Alert types raised by the engine itself
const (
	TypeCircuitOpen    = "circuit_open"
	TypeWorkflowFailed = "workflow_failed"
)

// Alert is a single notification fanned out to its channels
type Alert struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Channels  []string  `json:"channels"`
	Timestamp time.Time `json:"timestamp"`
}

// Channel is one alert transport
type Channel interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// SMTPConfig configures the email channel
type SMTPConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// Config holds dispatcher and channel settings
type Config struct {
	BufferSize      int           `yaml:"buffer_size"`
	SendTimeout     time.Duration `yaml:"send_timeout"`
	DefaultChannels []string      `yaml:"default_channels"`
	WebhookURL      string        `yaml:"webhook_url"`
	ChatWebhookURL  string        `yaml:"chat_webhook_url"`
	SMTP            SMTPConfig    `yaml:"smtp"`
}

// Stats counts dispatcher activity
type Stats struct {
	Queued    int64    `json:"queued"`
	Delivered int64    `json:"delivered"`
	Failed    int64    `json:"failed"`
	Dropped   int64    `json:"dropped"`
	Channels  []string `json:"channels"`
}

// Dispatcher queues alerts and delivers them on a worker goroutine
type Dispatcher struct {
	config    Config
	logger    *logrus.Logger
	collector *metrics.Collector

	channelsMu sync.RWMutex
	channels   map[string]Channel

	mu      sync.RWMutex
	buffer  chan Alert
	stopped bool
	wg      sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats
}

// NewDispatcher creates a dispatcher with the console channel plus every channel
// the config enables, and starts its worker
func NewDispatcher(config Config, collector *metrics.Collector, logger *logrus.Logger) *Dispatcher {
	if config.BufferSize <= 0 {
		config.BufferSize = 100
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 10 * time.Second
	}
	if len(config.DefaultChannels) == 0 {
		config.DefaultChannels = []string{"console"}
	}

	d := &Dispatcher{
		config:    config,
		logger:    logger,
		collector: collector,
		channels:  make(map[string]Channel),
		buffer:    make(chan Alert, config.BufferSize),
	}

	d.Register(NewConsoleChannel(logger))
	if config.WebhookURL != "" {
		d.Register(NewWebhookChannel(config.WebhookURL, config.SendTimeout))
	}
	if config.ChatWebhookURL != "" {
		d.Register(NewChatChannel(config.ChatWebhookURL, config.SendTimeout))
	}
	if config.SMTP.Host != "" {
		email, err := NewEmailChannel(config.SMTP)
		if err != nil {
			logger.WithError(err).Warn("Email alert channel disabled")
		} else {
			d.Register(email)
		}
	}

	d.wg.Add(1)
	go d.process()
	return d
}

// Register adds or replaces a channel by name
func (d *Dispatcher) Register(ch Channel) {
	d.channelsMu.Lock()
	defer d.channelsMu.Unlock()
	d.channels[ch.Name()] = ch
}

// SendAlert enqueues an alert. Empty channel lists go to the default channels.
func (d *Dispatcher) SendAlert(ctx context.Context, alert Alert) error {
	if alert.Type == "" || alert.Message == "" {
		return fmt.Errorf("alert requires a type and a message")
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	if len(alert.Channels) == 0 {
		alert.Channels = d.config.DefaultChannels
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrDispatcherStopped
	}

	select {
	case d.buffer <- alert:
		d.count(func(s *Stats) { s.Queued++ })
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		d.count(func(s *Stats) { s.Dropped++ })
		d.logger.WithField("alert_type", alert.Type).Warn("Alert buffer full, dropping alert")
		return ErrBufferFull
	}
}

// Notify is SendAlert with positional arguments
func (d *Dispatcher) Notify(ctx context.Context, alertType, message string, channels []string) error {
	return d.SendAlert(ctx, Alert{Type: alertType, Message: message, Channels: channels})
}

// Stop refuses new alerts and delivers everything already queued
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.buffer)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) Stats() Stats {
	d.statsMu.Lock()
	stats := d.stats
	d.statsMu.Unlock()

	d.channelsMu.RLock()
	for name := range d.channels {
		stats.Channels = append(stats.Channels, name)
	}
	d.channelsMu.RUnlock()
	sort.Strings(stats.Channels)
	return stats
}

func (d *Dispatcher) process() {
	defer d.wg.Done()
	for alert := range d.buffer {
		d.deliver(alert)
	}
}

func (d *Dispatcher) deliver(alert Alert) {
	for _, name := range alert.Channels {
		d.channelsMu.RLock()
		ch, ok := d.channels[name]
		d.channelsMu.RUnlock()

		log := d.logger.WithFields(logrus.Fields{
			"alert_id":   alert.ID,
			"alert_type": alert.Type,
			"channel":    name,
		})
		if !ok {
			log.Warn("Unknown alert channel, skipping")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), d.config.SendTimeout)
		err := ch.Send(ctx, alert)
		cancel()

		d.collector.RecordAlert(name, err == nil)
		if err != nil {
			d.count(func(s *Stats) { s.Failed++ })
			log.WithError(err).Error("Failed to deliver alert")
			continue
		}
		d.count(func(s *Stats) { s.Delivered++ })
	}
}

func (d *Dispatcher) count(update func(*Stats)) {
	d.statsMu.Lock()
	update(&d.stats)
	d.statsMu.Unlock()
}
