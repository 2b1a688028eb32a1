package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"jobledger/internal/config"
	"jobledger/internal/domain"
	"jobledger/internal/engine"
	"jobledger/internal/events"
)

const (
	webhookInterval     = 2 * time.Second
	webhookTimeout      = 5 * time.Second
	webhookBatch        = 100
	webhookMaxTries     = 3
	webhookResponseSize = 4096
)

// errHookRejected marks a delivery the endpoint refused outright. The event is
// skipped rather than redelivered.
var errHookRejected = errors.New("webhook rejected event")

// hookState is one configured webhook and its delivery cursor.
type hookState struct {
	cfg     config.WebhookConfig
	filter  eventFilter
	client  *http.Client
	// cursor is the id of the last event handled; unset until the first sweep.
	cursor  int64
	started bool
}

type webhookDispatcher struct {
	engine  engine.Engine
	hooks   []*hookState
	log     *slog.Logger
	backOff func() backoff.BackOff
}

// StartWebhookDispatcher delivers committed events to the enabled hooks until
// ctx is cancelled. A hook first sees events committed after startup, in
// commit order. A delivery that still fails after retries is attempted again
// on the next sweep, and later events wait behind it. An event the endpoint
// rejects with a 4xx other than 429 is logged and skipped.
func StartWebhookDispatcher(ctx context.Context, e engine.Engine, hooks []config.WebhookConfig, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	d := newWebhookDispatcher(e, hooks, log)
	if len(d.hooks) == 0 {
		return
	}
	log.InfoContext(ctx, "webhook dispatcher started", "hooks", len(d.hooks))
	go d.run(ctx)
}

func newWebhookDispatcher(e engine.Engine, hooks []config.WebhookConfig, log *slog.Logger) *webhookDispatcher {
	d := &webhookDispatcher{
		engine: e,
		log:    log,
		backOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			return b
		},
	}
	for _, h := range hooks {
		if h.Enabled != nil && !*h.Enabled {
			continue
		}
		if strings.TrimSpace(h.URL) == "" {
			continue
		}
		timeout := webhookTimeout
		if h.TimeoutSeconds > 0 {
			timeout = time.Duration(h.TimeoutSeconds) * time.Second
		}
		d.hooks = append(d.hooks, &hookState{
			cfg:    h,
			filter: newEventFilter(h.Events),
			client: &http.Client{Timeout: timeout},
		})
	}
	return d
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(webhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// dispatchAll runs one sweep over every hook. Hooks are independent: a failing
// endpoint only holds back its own cursor.
func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for _, h := range d.hooks {
		if ctx.Err() != nil {
			return
		}
		if err := d.sweep(ctx, h); err != nil {
			d.log.WarnContext(ctx, "webhook delivery stalled", "url", h.cfg.URL, "cursor", h.cursor, "err", err)
		}
	}
}

func (d *webhookDispatcher) sweep(ctx context.Context, h *hookState) error {
	if !h.started {
		latest, err := d.engine.Repo.LatestEventID(ctx)
		if err != nil {
			return fmt.Errorf("init cursor: %w", err)
		}
		h.cursor, h.started = latest, true
	}
	evts, err := d.engine.EventsAfter(ctx, h.cursor, webhookBatch)
	if err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	for _, evt := range evts {
		if h.filter.match(evt.Type) {
			err := d.deliver(ctx, h, evt)
			switch {
			case errors.Is(err, errHookRejected):
				d.log.WarnContext(ctx, "webhook event skipped", "url", h.cfg.URL, "event_id", evt.ID, "type", evt.Type, "err", err)
			case err != nil:
				return fmt.Errorf("event %d: %w", evt.ID, err)
			}
		}
		h.cursor = evt.ID
	}
	return nil
}

func (d *webhookDispatcher) deliver(ctx context.Context, h *hookState, evt domain.Event) error {
	data, err := json.Marshal(eventResponse(evt))
	if err != nil {
		return fmt.Errorf("%w: %w", errHookRejected, err)
	}
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, d.post(ctx, h, evt, data)
	}, backoff.WithBackOff(d.backOff()), backoff.WithMaxTries(webhookMaxTries))
	return err
}

func (d *webhookDispatcher) post(ctx context.Context, h *hookState, evt domain.Event, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Jobledger-Event", evt.Type)
	req.Header.Set("X-Jobledger-Delivery", strconv.FormatInt(evt.ID, 10))
	if secret := strings.TrimSpace(h.cfg.Secret); secret != "" {
		req.Header.Set("X-Jobledger-Signature", events.Signature(secret, data))
	}
	res, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, webhookResponseSize))
	err = fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(fmt.Errorf("%w: %w", errHookRejected, err))
	}
	return err
}

type eventFilter map[string]struct{}

// newEventFilter matches every event type when types is empty.
func newEventFilter(types []string) eventFilter {
	f := eventFilter{}
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			f[key] = struct{}{}
		}
	}
	return f
}

func (f eventFilter) match(evtType string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[evtType]
	return ok
}
