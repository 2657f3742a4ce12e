package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"wipeline/internal/config"
	"wipeline/internal/domain"
	"wipeline/internal/engine"
)

const (
	webhookPollInterval = 2 * time.Second
	webhookTimeout      = 5 * time.Second
	webhookBatchSize    = 100
)

// hookTailer follows the audit event stream for one configured webhook.
// Each hook gets its own goroutine and cursor; the cursor starts at the
// newest event so a restart does not replay history. Delivery is
// in-order with stop-on-failure: a failed POST leaves the cursor in
// place and the batch is retried on the next poll.
type hookTailer struct {
	eng    *engine.Engine
	hook   config.WebhookConfig
	client *http.Client
	log    zerolog.Logger
	accept func(string) bool
	cursor int64
}

func startWebhookDispatcher(e *engine.Engine) {
	if e.Config == nil {
		return
	}
	for _, hook := range e.Config.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		go newHookTailer(e, hook).tail(context.Background())
	}
}

func newHookTailer(e *engine.Engine, hook config.WebhookConfig) *hookTailer {
	timeout := webhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	cursor, err := e.Repo.LatestEventID(context.Background())
	if err != nil {
		e.Log.Warn().Err(err).Str("url", hook.URL).Msg("webhook cursor init failed, starting from zero")
		cursor = 0
	}
	return &hookTailer{
		eng:    e,
		hook:   hook,
		client: &http.Client{Timeout: timeout},
		log:    e.Log.With().Str("webhook", hook.URL).Logger(),
		accept: eventMatcher(hook.Events),
		cursor: cursor,
	}
}

func (t *hookTailer) tail(ctx context.Context) {
	ticker := time.NewTicker(webhookPollInterval)
	defer ticker.Stop()
	for {
		t.flush(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *hookTailer) flush(ctx context.Context) {
	events, err := t.eng.Repo.EventsAfter(ctx, webhookBatchSize, t.cursor)
	if err != nil {
		t.log.Warn().Err(err).Msg("webhook event fetch failed")
		return
	}
	for _, evt := range events {
		if t.accept(evt.Type) {
			if err := t.deliver(ctx, evt); err != nil {
				t.log.Warn().Err(err).Int64("event_id", evt.ID).Msg("webhook delivery failed")
				return
			}
		}
		t.cursor = evt.ID
	}
}

type webhookDelivery struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (t *hookTailer) deliver(ctx context.Context, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookDelivery{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Wipeline-Event", evt.Type)
	req.Header.Set("X-Wipeline-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(t.hook.Secret) != "" {
		req.Header.Set("X-Wipeline-Secret", t.hook.Secret)
	}
	res, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// eventMatcher compiles the hook's event list into a predicate. Entries
// may be exact types ("job.completed") or prefix wildcards ("job.*");
// an empty list accepts everything.
func eventMatcher(patterns []string) func(string) bool {
	exact := make(map[string]struct{})
	var prefixes []string
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		switch {
		case p == "":
		case strings.HasSuffix(p, ".*"):
			prefixes = append(prefixes, strings.TrimSuffix(p, "*"))
		default:
			exact[p] = struct{}{}
		}
	}
	if len(exact) == 0 && len(prefixes) == 0 {
		return func(string) bool { return true }
	}
	return func(evtType string) bool {
		if _, ok := exact[evtType]; ok {
			return true
		}
		for _, pre := range prefixes {
			if strings.HasPrefix(evtType, pre) {
				return true
			}
		}
		return false
	}
}
