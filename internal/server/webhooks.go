package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"stageline/internal/audit"
	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher tails the stage_audit_log and posts new entries to
// the configured endpoints. Delivery is fire-and-forget from the
// engine's perspective; per-hook cursors mean a slow endpoint never
// blocks a transition.
type webhookDispatcher struct {
	engine   engine.Engine
	tenant   string
	webhooks []config.WebhookConfig
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

// StartWebhookDispatcher launches the audit-log tailer when webhooks are
// configured.
func StartWebhookDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	d := &webhookDispatcher{
		engine:   e,
		tenant:   strings.TrimSpace(e.Config.Tenant.ID),
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *webhookDispatcher) dispatchAll() {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	entries, err := audit.EntriesAfter(ctx, d.engine.DB, defaultWebhookBatch, cursor, d.tenant)
	if err != nil {
		log.Printf("webhook: fetch audit entries failed: %v", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	filter := newSourceFilter(hook.TriggerSources)
	for _, entry := range entries {
		if !filter.match(entry.TriggerSource) {
			d.setCursor(idx, entry.ID)
			continue
		}
		if err := d.postEntry(ctx, hook, entry); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, entry.ID)
	}
}

func (d *webhookDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := audit.LatestID(context.Background(), d.engine.DB, d.tenant)
	if err != nil {
		log.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID            int64    `json:"id"`
	JobID         string   `json:"job_id"`
	FromStageID   *string  `json:"from_stage_id,omitempty"`
	ToStageID     string   `json:"to_stage_id"`
	TriggerSource string   `json:"trigger_source"`
	TriggeredBy   *string  `json:"triggered_by,omitempty"`
	QuestionID    *string  `json:"question_id,omitempty"`
	ResponseValue *string  `json:"response_value,omitempty"`
	DurationHours *float64 `json:"duration_in_previous_stage_hours,omitempty"`
	CreatedAt     string   `json:"created_at"`
}

func (d *webhookDispatcher) postEntry(ctx context.Context, hook config.WebhookConfig, entry domain.AuditLogEntry) error {
	body := webhookEvent{
		ID:            entry.ID,
		JobID:         entry.JobID,
		FromStageID:   entry.FromStageID,
		ToStageID:     entry.ToStageID,
		TriggerSource: entry.TriggerSource,
		TriggeredBy:   entry.TriggeredBy,
		QuestionID:    entry.QuestionID,
		ResponseValue: entry.ResponseValue,
		DurationHours: entry.DurationInPreviousStageHours,
		CreatedAt:     entry.CreatedAt,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stageline-Event", entry.TriggerSource)
	req.Header.Set("X-Stageline-Delivery", fmt.Sprintf("%d", entry.ID))
	if d.tenant != "" {
		req.Header.Set("X-Stageline-Tenant", d.tenant)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Stageline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type sourceFilter struct {
	all bool
	set map[string]struct{}
}

func newSourceFilter(sources []string) sourceFilter {
	if len(sources) == 0 {
		return sourceFilter{all: true}
	}
	set := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		key := strings.TrimSpace(s)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return sourceFilter{all: true}
	}
	return sourceFilter{set: set}
}

func (f sourceFilter) match(source string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[source]
	return ok
}
