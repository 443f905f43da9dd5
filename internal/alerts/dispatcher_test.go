package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"

	"github.com/tributary-ai/adaptive-routing-engine/internal/metrics"
)

// recordingChannel captures delivered alerts
type recordingChannel struct {
	name string
	err  error
	wait chan struct{}

	mu     sync.Mutex
	alerts []Alert
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Send(ctx context.Context, alert Alert) error {
	if c.wait != nil {
		<-c.wait
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
	return c.err
}

func (c *recordingChannel) received() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Alert(nil), c.alerts...)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestDispatcherDelivers(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("test", reg)
	d := NewDispatcher(Config{}, collector, testLogger())

	pager := &recordingChannel{name: "pager"}
	broken := &recordingChannel{name: "broken", err: errors.New("down")}
	d.Register(pager)
	d.Register(broken)

	require.NoError(t, d.SendAlert(context.Background(), Alert{
		Type:     TypeCircuitOpen,
		Message:  "circuit opened for openai",
		Channels: []string{"pager", "broken", "nowhere"},
	}))
	d.Stop()

	got := pager.received()
	require.Len(t, got, 1)
	assert.Equal(t, TypeCircuitOpen, got[0].Type)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.Queued)
	assert.Equal(t, int64(1), stats.Delivered)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, []string{"broken", "console", "pager"}, stats.Channels)

	expected := `
# HELP test_alerts_total Alerts delivered per channel
# TYPE test_alerts_total counter
test_alerts_total{channel="broken",status="failed"} 1
test_alerts_total{channel="pager",status="delivered"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_alerts_total"))
}

func TestDispatcherDefaultsAndValidation(t *testing.T) {
	d := NewDispatcher(Config{DefaultChannels: []string{"pager"}}, nil, testLogger())
	pager := &recordingChannel{name: "pager"}
	d.Register(pager)

	require.NoError(t, d.Notify(context.Background(), "custom", "hello", nil))
	assert.Error(t, d.SendAlert(context.Background(), Alert{Type: "custom"}))
	d.Stop()

	require.Len(t, pager.received(), 1)
	assert.Equal(t, []string{"pager"}, pager.received()[0].Channels)

	assert.ErrorIs(t, d.Notify(context.Background(), "custom", "late", nil), ErrDispatcherStopped)
	d.Stop()
}

func TestDispatcherBufferFull(t *testing.T) {
	d := NewDispatcher(Config{BufferSize: 1}, nil, testLogger())
	slow := &recordingChannel{name: "slow", wait: make(chan struct{})}
	d.Register(slow)

	send := func() error {
		return d.Notify(context.Background(), "load", "msg", []string{"slow"})
	}

	// the worker takes the first alert and blocks, the second fills the buffer
	require.NoError(t, send())
	require.Eventually(t, func() bool { return send() == nil }, time.Second, time.Millisecond)

	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = send()
	}
	assert.ErrorIs(t, err, ErrBufferFull)
	assert.Positive(t, d.Stats().Dropped)

	close(slow.wait)
	d.Stop()
}

func TestWebhookChannel(t *testing.T) {
	var received Alert
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	ch := NewWebhookChannel(server.URL, time.Second)
	err := ch.Send(context.Background(), Alert{ID: "a1", Type: "workflow_failed", Message: "boom"})
	require.NoError(t, err)
	assert.Equal(t, "a1", received.ID)
	assert.Equal(t, "boom", received.Message)
}

func TestWebhookChannelErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	err := NewWebhookChannel(server.URL, time.Second).Send(context.Background(), Alert{Type: "x", Message: "y"})
	assert.ErrorContains(t, err, "502")
}

func TestChatChannel(t *testing.T) {
	var body map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	}))
	defer server.Close()

	err := NewChatChannel(server.URL, time.Second).Send(context.Background(), Alert{Type: "circuit_open", Message: "anthropic is failing"})
	require.NoError(t, err)
	assert.Equal(t, "*[circuit_open]* anthropic is failing", body["text"])
}

type capturedMail struct {
	msgs []*mail.Msg
	err  error
}

func (c *capturedMail) DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error {
	c.msgs = append(c.msgs, messages...)
	return c.err
}

func TestEmailChannel(t *testing.T) {
	ch, err := NewEmailChannel(SMTPConfig{Host: "mail.example.com", From: "engine@example.com", To: []string{"ops@example.com"}})
	require.NoError(t, err)
	assert.Equal(t, 587, ch.config.Port)

	sender := &capturedMail{}
	ch.client = sender

	err = ch.Send(context.Background(), Alert{Type: "workflow_failed", Message: "nightly failed", Timestamp: time.Now()})
	require.NoError(t, err)
	require.Len(t, sender.msgs, 1)

	var raw bytes.Buffer
	_, err = sender.msgs[0].WriteTo(&raw)
	require.NoError(t, err)
	assert.Contains(t, raw.String(), "Subject: [workflow_failed] routing engine alert")
	assert.Contains(t, raw.String(), "ops@example.com")
	assert.Contains(t, raw.String(), "nightly failed")

	sender.err = errors.New("421 service not available")
	assert.Error(t, ch.Send(context.Background(), Alert{Type: "x", Message: "y"}))

	empty, err := NewEmailChannel(SMTPConfig{Host: "mail.example.com"})
	require.NoError(t, err)
	assert.Error(t, empty.Send(context.Background(), Alert{Type: "x", Message: "y"}))

	_, err = NewEmailChannel(SMTPConfig{})
	assert.Error(t, err, "a host is required")
}
