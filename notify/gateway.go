package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Channel is the delivery medium for a notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
	ChannelSMS   Channel = "sms"
	ChannelVoice Channel = "voice"
)

// Message is one templated notification envelope.
type Message struct {
	Channel   Channel        `json:"channel"`
	Recipient string         `json:"recipient"`
	Template  string         `json:"template"`
	Data      map[string]any `json:"data,omitempty"`
}

// Gateway delivers notifications. Delivery is best-effort: callers log a
// returned error and continue, never failing their own request on it.
type Gateway interface {
	Notify(ctx context.Context, msg Message) error
}

// WebhookGateway posts message envelopes to an external delivery endpoint.
type WebhookGateway struct {
	client *resty.Client
	log    *zap.Logger
}

// NewWebhookGateway builds a gateway against baseURL. An empty baseURL yields
// a gateway that only logs, which keeps development environments working
// without a delivery backend.
func NewWebhookGateway(baseURL string, timeout time.Duration, log *zap.Logger) *WebhookGateway {
	if log == nil {
		log = zap.NewNop()
	}
	if baseURL == "" {
		return &WebhookGateway{log: log}
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Content-Type", "application/json")

	return &WebhookGateway{client: client, log: log}
}

func (g *WebhookGateway) Notify(ctx context.Context, msg Message) error {
	if g.client == nil {
		g.log.Info("notification (no delivery backend configured)",
			zap.String("channel", string(msg.Channel)),
			zap.String("recipient", msg.Recipient),
			zap.String("template", msg.Template))
		return nil
	}

	// One delivery id across retries lets the gateway dedupe replayed posts.
	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("X-Delivery-Id", uuid.NewString()).
		SetBody(msg).
		Post("/notify")
	if err != nil {
		return fmt.Errorf("notify: deliver %s via %s: %w", msg.Template, msg.Channel, err)
	}
	if resp.IsError() {
		return fmt.Errorf("notify: deliver %s via %s: gateway returned %s", msg.Template, msg.Channel, resp.Status())
	}

	g.log.Debug("notification delivered",
		zap.String("channel", string(msg.Channel)),
		zap.String("template", msg.Template))
	return nil
}

// Recorder is a Gateway test double that captures every send.
type Recorder struct {
	mu   sync.Mutex
	Sent []Message
	Err  error
}

func (r *Recorder) Notify(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Sent = append(r.Sent, msg)
	return r.Err
}

// Messages returns a copy of everything sent so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.Sent))
	copy(out, r.Sent)
	return out
}
