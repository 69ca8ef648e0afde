package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"gobby/internal/config"
	"gobby/internal/logging"
)

// WebhookDispatcher fans events out to configured HTTP endpoints with
// best-effort delivery: exponential backoff (1s, 2s, 4s) capped by the
// per-endpoint retry_count. Delivery failures are logged and dropped.
type WebhookDispatcher struct {
	endpoints []config.Webhook
	client    *http.Client
	logger    logging.Logger
	unsub     func()

	// sleep is swapped out in tests.
	sleep func(context.Context, time.Duration) error
}

// BlockingDecision is the parsed body of a blocking webhook response.
type BlockingDecision struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

const defaultWebhookTimeout = 10 * time.Second

// NewWebhookDispatcher attaches the dispatcher to the bus for all
// non-blocking endpoints. Blocking endpoints are invoked synchronously via
// CallBlocking by the hook dispatcher.
func NewWebhookDispatcher(bus *Bus, endpoints []config.Webhook, logger logging.Logger) *WebhookDispatcher {
	d := &WebhookDispatcher{
		endpoints: endpoints,
		client:    &http.Client{},
		logger:    logging.OrNop(logger),
		sleep: func(ctx context.Context, dur time.Duration) error {
			select {
			case <-time.After(dur):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	if bus != nil {
		d.unsub = bus.Subscribe(nil, func(ev Event) {
			for _, ep := range d.endpoints {
				if ep.CanBlock || !matches(ep.Events, ev.Type) {
					continue
				}
				endpoint := ep
				go d.post(context.Background(), endpoint, ev)
			}
		})
	}
	return d
}

func matches(allowed []string, eventType string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, t := range allowed {
		if t == eventType {
			return true
		}
	}
	return false
}

func (d *WebhookDispatcher) post(ctx context.Context, ep config.Webhook, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("marshal webhook event: %v", err)
		return
	}
	attempts := ep.RetryCount + 1
	delay := 1 * time.Second
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, delay); err != nil {
				return
			}
			if delay < 4*time.Second {
				delay *= 2
			}
		}
		if _, err := d.send(ctx, ep, body); err == nil {
			return
		} else {
			d.logger.Warn("webhook %s attempt %d/%d failed: %v", ep.URL, attempt+1, attempts, err)
		}
	}
}

func (d *WebhookDispatcher) send(ctx context.Context, ep config.Webhook, body []byte) (*BlockingDecision, error) {
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	var decision BlockingDecision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		// Non-JSON bodies are fine for fire-and-forget endpoints.
		return nil, nil
	}
	return &decision, nil
}

// Notify posts an event to an ad-hoc URL outside the configured endpoint
// set, used by workflow webhook actions. Fire-and-forget.
func (d *WebhookDispatcher) Notify(ctx context.Context, url string, ev Event) {
	go d.post(ctx, config.Webhook{URL: url}, ev)
}

// CallBlocking invokes one blocking endpoint synchronously. A
// {"decision":"deny"} body is surfaced as a veto; transport errors and
// timeouts are treated as allow (fail-open).
func (d *WebhookDispatcher) CallBlocking(ctx context.Context, ep config.Webhook, ev Event) *BlockingDecision {
	body, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("marshal blocking webhook event: %v", err)
		return nil
	}
	decision, err := d.send(ctx, ep, body)
	if err != nil {
		d.logger.Warn("blocking webhook %s failed, allowing: %v", ep.URL, err)
		return nil
	}
	return decision
}

// BlockingEndpoints returns the endpoints configured with can_block for a
// given event type.
func (d *WebhookDispatcher) BlockingEndpoints(eventType string) []config.Webhook {
	var out []config.Webhook
	for _, ep := range d.endpoints {
		if ep.CanBlock && matches(ep.Events, eventType) {
			out = append(out, ep)
		}
	}
	return out
}

// Close detaches from the bus.
func (d *WebhookDispatcher) Close() {
	if d.unsub != nil {
		d.unsub()
	}
}
