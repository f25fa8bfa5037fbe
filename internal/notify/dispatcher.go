// Package notify delivers escalation events to configured webhooks.
// Delivery is fire-and-forget: a failed POST is logged and retried on
// the next poll, and never rolls back the task state that produced the
// event.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"carerounds/internal/config"
	"carerounds/internal/domain"
	"carerounds/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
)

type Dispatcher struct {
	repo     repo.Repo
	webhooks []config.WebhookConfig
	client   *http.Client

	mu      sync.Mutex
	cursors map[int]int64
}

// Start launches the dispatcher goroutine when webhooks are configured.
func Start(ctx context.Context, r repo.Repo, webhooks []config.WebhookConfig) {
	if len(webhooks) == 0 {
		return
	}
	d := &Dispatcher{
		repo:     r,
		webhooks: webhooks,
		client:   &http.Client{Timeout: defaultTimeout},
		cursors:  make(map[int]int64),
	}
	go d.run(ctx)
}

func (d *Dispatcher) run(ctx context.Context) {
	// New subscribers only receive events from startup onward.
	if latest, err := d.repo.LatestEventID(ctx); err == nil {
		d.mu.Lock()
		for i := range d.webhooks {
			d.cursors[i] = latest
		}
		d.mu.Unlock()
	}
	ticker := time.NewTicker(defaultInterval)
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

func (d *Dispatcher) dispatchAll(ctx context.Context) {
	for i, wh := range d.webhooks {
		d.mu.Lock()
		cursor := d.cursors[i]
		d.mu.Unlock()
		evts, err := d.repo.EventsAfter(ctx, defaultBatch, cursor)
		if err != nil {
			log.Printf("notify: read events after %d: %v", cursor, err)
			continue
		}
		for _, evt := range evts {
			if wants(wh, evt.Type) {
				if err := d.post(ctx, wh.URL, evt); err != nil {
					log.Printf("notify: post %s to %s: %v", evt.Type, wh.URL, err)
					// Stop at the failed event so the cursor does not
					// skip it; the next poll retries from here.
					break
				}
			}
			cursor = evt.ID
		}
		d.mu.Lock()
		d.cursors[i] = cursor
		d.mu.Unlock()
	}
}

func wants(wh config.WebhookConfig, evtType string) bool {
	if len(wh.Events) == 0 {
		return true
	}
	for _, t := range wh.Events {
		if t == evtType {
			return true
		}
	}
	return false
}

func (d *Dispatcher) post(ctx context.Context, url string, evt domain.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
