package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"greenlight/internal/config"
	"greenlight/internal/domain"
	"greenlight/internal/engine"
	"greenlight/internal/history"
)

const (
	defaultCallbackInterval = 2 * time.Second
	defaultCallbackTimeout  = 5 * time.Second
	defaultCallbackBatch    = 100
)

// callbackDispatcher tails the audit trail for terminal workflow actions and
// posts them to the HTTP endpoints configured per module type. Delivery is
// at-least-once; receivers deduplicate on delivery id.
type callbackDispatcher struct {
	engine engine.Engine
	logger *zap.Logger
	client *http.Client
	mu     sync.Mutex
	cursor int64
	init   bool
}

func startCallbackDispatcher(ctx context.Context, e engine.Engine, logger *zap.Logger) {
	if e.Config == nil || len(e.Config.Callbacks) == 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &callbackDispatcher{
		engine: e,
		logger: logger,
		client: &http.Client{Timeout: defaultCallbackTimeout},
	}
	go d.run(ctx)
}

// run ticks until the context is cancelled.
func (d *callbackDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(defaultCallbackInterval)
	defer ticker.Stop()
	for {
		d.dispatch(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func terminalAction(action string) bool {
	switch action {
	case history.ActionWorkflowApproved, history.ActionWorkflowRejected, history.ActionWorkflowCancelled:
		return true
	}
	return false
}

func (d *callbackDispatcher) dispatch(ctx context.Context) {
	cursor := d.loadCursor(ctx)
	entries, err := d.engine.Repo.HistoryAfter(ctx, defaultCallbackBatch, cursor)
	if err != nil {
		d.logger.Warn("callback: fetch history failed", zap.Error(err))
		return
	}
	for _, entry := range entries {
		if !terminalAction(entry.Action) {
			d.setCursor(entry.ID)
			continue
		}
		if err := d.deliver(ctx, entry); err != nil {
			d.logger.Warn("callback: deliver failed",
				zap.String("instance_id", entry.InstanceID),
				zap.Error(err))
			return
		}
		d.setCursor(entry.ID)
	}
}

func (d *callbackDispatcher) loadCursor(ctx context.Context) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.init {
		return d.cursor
	}
	cur, err := d.engine.Repo.LatestHistoryID(ctx)
	if err != nil {
		d.logger.Warn("callback: init cursor failed", zap.Error(err))
		cur = 0
	}
	d.cursor = cur
	d.init = true
	return cur
}

func (d *callbackDispatcher) setCursor(v int64) {
	d.mu.Lock()
	d.cursor = v
	d.mu.Unlock()
}

type callbackPayload struct {
	DeliveryID  int64  `json:"delivery_id"`
	InstanceID  string `json:"instance_id"`
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id"`
	ModuleType  string `json:"module_type"`
	FinalStatus string `json:"final_status"`
	ActorID     string `json:"actor_id"`
	CompletedAt string `json:"completed_at"`
}

func (d *callbackDispatcher) deliver(ctx context.Context, entry domain.HistoryEntry) error {
	inst, err := d.engine.Repo.GetInstance(ctx, entry.InstanceID)
	if err != nil {
		return err
	}
	def, err := d.engine.Repo.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return err
	}
	hook, ok := d.engine.Config.CallbackFor(def.ModuleType)
	if !ok {
		return nil
	}
	payload := callbackPayload{
		DeliveryID:  entry.ID,
		InstanceID:  inst.ID,
		EntityType:  inst.EntityType,
		EntityID:    inst.EntityID,
		ModuleType:  def.ModuleType,
		FinalStatus: entry.ToStatus,
		ActorID:     entry.ActorID,
		CompletedAt: entry.TS,
	}
	return d.post(ctx, hook, payload)
}

func (d *callbackDispatcher) post(ctx context.Context, hook config.Callback, payload callbackPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		timeout := time.Duration(hook.TimeoutSeconds) * time.Second
		if timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Greenlight-Delivery", fmt.Sprintf("%d", payload.DeliveryID))
	req.Header.Set("X-Greenlight-Module", payload.ModuleType)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Greenlight-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
