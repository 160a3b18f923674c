package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ClareAI/astra-outbound/internal/domain"
	"github.com/ClareAI/astra-outbound/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Delivery outcomes passed to the result observer.
const (
	ResultDelivered   = "delivered"
	ResultFailed      = "failed"
	ResultRateLimited = "rate_limited"
	ResultSkipped     = "skipped"
)

// Publisher fans events out to a message channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// Config configures the webhook target.
type Config struct {
	URL        string
	APIKey     string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
}

// Notifier delivers call lifecycle events to an external webhook. Delivery is best effort:
// at most once, no retry. Failures are logged and never returned. Events for one call id are
// delivered one at a time in the order Notify was called.
type Notifier struct {
	config    Config
	client    *http.Client
	limiter   *rate.Limiter
	publisher Publisher
	channel   string
	onResult  func(result string)
	logger    *zap.Logger

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool

	// pending holds events waiting behind an in-flight delivery, keyed by call id.
	// A key is present while a drain goroutine owns that call.
	pending map[string][]queuedEvent
}

type queuedEvent struct {
	ctx   context.Context
	event domain.CallEvent
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithPublisher also publishes every event to channel.
func WithPublisher(p Publisher, channel string) Option {
	return func(n *Notifier) {
		n.publisher = p
		n.channel = channel
	}
}

// WithHTTPClient overrides the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// WithResultObserver registers a callback for delivery outcomes.
func WithResultObserver(fn func(result string)) Option {
	return func(n *Notifier) { n.onResult = fn }
}

// NewNotifier creates a notifier. An empty URL disables webhook delivery.
func NewNotifier(cfg Config, opts ...Option) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	n := &Notifier{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.Named("call_events"),
		pending: make(map[string][]queuedEvent),
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	for _, opt := range opts {
		opt(n)
	}
	if cfg.URL == "" {
		n.logger.Warn("Call event webhook URL not configured, webhook delivery disabled")
	}
	return n
}

// Notify sends a call event in the background. It queues behind any in-flight event for the
// same call id.
func (n *Notifier) Notify(ctx context.Context, event domain.CallEvent) {
	if event.FieldValue == "" {
		event.FieldValue = "1"
	}
	item := queuedEvent{ctx: context.WithoutCancel(ctx), event: event}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		n.logger.Warn("Notifier closed, dropping call event", zap.String("call_id", event.CallID), zap.String("status", string(event.Status)))
		return
	}
	if queue, busy := n.pending[event.CallID]; busy {
		n.pending[event.CallID] = append(queue, item)
		n.mu.Unlock()
		return
	}
	n.pending[event.CallID] = nil
	n.wg.Add(1)
	n.mu.Unlock()

	go n.drain(event.CallID, item)
}

// drain delivers item and then every event queued behind it for callID.
func (n *Notifier) drain(callID string, item queuedEvent) {
	defer n.wg.Done()
	for {
		n.deliver(item.ctx, item.event)

		n.mu.Lock()
		queue := n.pending[callID]
		if len(queue) == 0 {
			delete(n.pending, callID)
			n.mu.Unlock()
			return
		}
		item = queue[0]
		n.pending[callID] = queue[1:]
		n.mu.Unlock()
	}
}

func (n *Notifier) deliver(ctx context.Context, event domain.CallEvent) {
	log := logger.From(ctx).With(zap.String("call_id", event.CallID), zap.String("status", string(event.Status)))

	if n.publisher != nil && n.channel != "" {
		if err := n.publisher.Publish(ctx, n.channel, event); err != nil {
			log.Warn("Failed to publish call event", zap.Error(err))
		}
	}

	if n.config.URL == "" {
		n.observe(ResultSkipped)
		return
	}
	if n.limiter != nil && !n.limiter.Allow() {
		log.Warn("Call event dropped by rate limiter")
		n.observe(ResultRateLimited)
		return
	}

	if err := n.post(ctx, event); err != nil {
		log.Warn("Call event webhook delivery failed", zap.Error(err))
		n.observe(ResultFailed)
		return
	}
	log.Debug("Call event delivered")
	n.observe(ResultDelivered)
}

func (n *Notifier) post(ctx context.Context, event domain.CallEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", uuid.NewString())
	if n.config.APIKey != "" {
		req.Header.Set("X-API-Key", n.config.APIKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) observe(result string) {
	if n.onResult != nil {
		n.onResult(result)
	}
}

// Flush waits for in-flight deliveries.
func (n *Notifier) Flush() {
	n.wg.Wait()
}

// Close stops accepting events and waits for in-flight deliveries.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.wg.Wait()
}
