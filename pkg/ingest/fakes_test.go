package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

type undoKey struct{}

type undoLog struct {
	fns []func()
}

// memStore is an in-memory stand-in for the event and effect tables.
// Transactions are serialized, like row locks on the claimed event, and undone
// in reverse on error.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	events   map[uuid.UUID]*models.Event
	byKey    map[string]uuid.UUID
	tasks    map[string]models.Task
	messages map[string]models.Message
	subs     map[string]models.Subscription
	balances map[string]int64
	ledger   map[string]bool

	claimErr  error
	markErr   error
	creditErr error
}

func newMemStore() *memStore {
	return &memStore{
		events:   map[uuid.UUID]*models.Event{},
		byKey:    map[string]uuid.UUID{},
		tasks:    map[string]models.Task{},
		messages: map[string]models.Message{},
		subs:     map[string]models.Subscription{},
		balances: map[string]int64{},
		ledger:   map[string]bool{},
	}
}

func (s *memStore) tx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	log := &undoLog{}
	if err := fn(context.WithValue(ctx, undoKey{}, log)); err != nil {
		s.mu.Lock()
		for i := len(log.fns) - 1; i >= 0; i-- {
			log.fns[i]()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

func onRollback(ctx context.Context, fn func()) {
	if log, ok := ctx.Value(undoKey{}).(*undoLog); ok {
		log.fns = append(log.fns, fn)
	}
}

func eventKey(tool models.ToolName, externalID string) string {
	return string(tool) + "/" + externalID
}

func (s *memStore) event(id uuid.UUID) models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.events[id]
}

func (s *memStore) balance(org uuid.UUID, currency string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[org.String()+"/"+currency]
}

// events

type memEvents struct{ *memStore }

func (r memEvents) InsertIfAbsent(ctx context.Context, event *models.Event) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := eventKey(event.SourceTool, event.ExternalID)
	if id, ok := r.byKey[key]; ok {
		*event = *r.events[id]
		return false, nil
	}
	event.CreatedAt = time.Now().UTC()
	event.UpdatedAt = event.CreatedAt
	stored := *event
	r.events[event.ID] = &stored
	r.byKey[key] = event.ID
	return true, nil
}

func (r memEvents) GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	tenantID, err := repositories.GetTenantID(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	event, ok := r.events[id]
	if !ok || event.OrganizationID != tenantID {
		return nil, repositories.NotFound("event %s not found", id)
	}
	found := *event
	return &found, nil
}

func (r memEvents) GetByExternalID(ctx context.Context, tool models.ToolName, externalID string) (*models.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byKey[eventKey(tool, externalID)]
	if !ok {
		return nil, repositories.NotFound("event %s not found", externalID)
	}
	found := *r.events[id]
	return &found, nil
}

func (r memEvents) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	if r.claimErr != nil {
		return false, r.claimErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	event := r.events[id]
	if event.Status == models.EventStatusProcessed {
		return false, nil
	}
	prev := *event
	onRollback(ctx, func() { *event = prev })
	event.Status = models.EventStatusProcessed
	event.Attempts++
	event.Error.Valid = false
	return true, nil
}

func (r memEvents) MarkFailed(ctx context.Context, id uuid.UUID, failure models.EventError) error {
	if r.markErr != nil {
		return r.markErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	event := r.events[id]
	if event.Status == models.EventStatusProcessed {
		return nil
	}
	event.Status = models.EventStatusFailed
	event.Error.Data, event.Error.Valid = failure, true
	event.Attempts++
	return nil
}

func (r memEvents) List(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	tenantID, err := repositories.GetTenantID(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var found []models.Event
	for _, event := range r.events {
		if event.OrganizationID != tenantID {
			continue
		}
		if filter.SourceTool != nil && event.SourceTool != *filter.SourceTool {
			continue
		}
		if filter.Status != nil && event.Status != *filter.Status {
			continue
		}
		found = append(found, *event)
	}
	return found, nil
}

func (r memEvents) ListRetryable(ctx context.Context, maxAttempts int, staleBefore time.Time, limit int) ([]models.Event, error) {
	return nil, nil
}

// effects

type memEffects struct{ *memStore }

func (r memEffects) ApplyTaskStatus(ctx context.Context, tool models.ToolName, externalID, status string, completedAt *time.Time, sourceUpdatedAt time.Time) error {
	tenantID, err := repositories.GetTenantID(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := tenantID.String() + "/" + eventKey(tool, externalID)
	task, ok := r.tasks[key]
	if !ok {
		return fmt.Errorf("task %s/%s: %w", tool, externalID, repositories.ErrReferencedEntityMissing)
	}
	if task.SourceUpdatedAt.After(sourceUpdatedAt) {
		return nil
	}
	onRollback(ctx, func() { r.tasks[key] = task })
	task.Status, task.CompletedAt, task.SourceUpdatedAt = status, completedAt, sourceUpdatedAt
	r.tasks[key] = task
	return nil
}

func (r memEffects) StoreMessage(ctx context.Context, message *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := message.OrganizationID.String() + "/" + eventKey(message.SourceTool, message.ExternalID)
	prev, existed := r.messages[key]
	onRollback(ctx, func() {
		if existed {
			r.messages[key] = prev
		} else {
			delete(r.messages, key)
		}
	})
	stored := *message
	stored.IsMention = stored.IsMention || prev.IsMention
	r.messages[key] = stored
	return nil
}

func (r memEffects) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sub.OrganizationID.String() + "/" + sub.ExternalID
	prev, existed := r.subs[key]
	if existed && prev.SourceUpdatedAt.After(sub.SourceUpdatedAt) {
		return nil
	}
	onRollback(ctx, func() {
		if existed {
			r.subs[key] = prev
		} else {
			delete(r.subs, key)
		}
	})
	r.subs[key] = *sub
	return nil
}

func (r memEffects) CreditBalance(ctx context.Context, tool models.ToolName, externalID, currency string, amount int64) (bool, error) {
	if r.creditErr != nil {
		return false, r.creditErr
	}
	tenantID, err := repositories.GetTenantID(ctx)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ledgerKey := eventKey(tool, externalID)
	if r.ledger[ledgerKey] {
		return false, nil
	}
	balanceKey := tenantID.String() + "/" + currency
	onRollback(ctx, func() {
		delete(r.ledger, ledgerKey)
		r.balances[balanceKey] -= amount
	})
	r.ledger[ledgerKey] = true
	r.balances[balanceKey] += amount
	return true, nil
}

// publisher

type memPublisher struct {
	mu     sync.Mutex
	events []uuid.UUID
	err    error
}

func (p *memPublisher) PublishEvent(_ context.Context, event *models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event.ID)
	return p.err
}

// integrations

type memIntegrations struct {
	mu      sync.Mutex
	byTool  map[models.ToolName]*models.Integration
	syncs   []error
	history []models.IntegrationStatus
}

func newMemIntegrations(integrations ...*models.Integration) *memIntegrations {
	r := &memIntegrations{byTool: map[models.ToolName]*models.Integration{}}
	for _, integration := range integrations {
		r.byTool[integration.ToolName] = integration
	}
	return r
}

func (r *memIntegrations) Upsert(ctx context.Context, integration *models.Integration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTool[integration.ToolName] = integration
	return nil
}

func (r *memIntegrations) GetByTool(ctx context.Context, tool models.ToolName) (*models.Integration, error) {
	tenantID, err := repositories.GetTenantID(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	integration, ok := r.byTool[tool]
	if !ok || integration.OrganizationID != tenantID {
		return nil, repositories.NotFound("integration %s not found", tool)
	}
	return integration, nil
}

func (r *memIntegrations) GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, integration := range r.byTool {
		if integration.ID == id {
			return integration, nil
		}
	}
	return nil, repositories.NotFound("integration %s not found", id)
}

func (r *memIntegrations) List(ctx context.Context) ([]models.Integration, error) {
	return nil, nil
}

func (r *memIntegrations) RecordSync(ctx context.Context, id uuid.UUID, syncErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncs = append(r.syncs, syncErr)
	for _, integration := range r.byTool {
		if integration.ID != id {
			continue
		}
		switch {
		case syncErr == nil && integration.Status != models.IntegrationStatusDisconnected:
			integration.Status = models.IntegrationStatusActive
		case syncErr != nil && integration.Status != models.IntegrationStatusDisconnected:
			integration.Status = models.IntegrationStatusError
		}
		r.history = append(r.history, integration.Status)
	}
	return nil
}

func (r *memIntegrations) SetStatus(ctx context.Context, id uuid.UUID, status models.IntegrationStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, integration := range r.byTool {
		if integration.ID == id {
			integration.Status = status
			r.history = append(r.history, status)
		}
	}
	return nil
}

func (r *memIntegrations) SetWebhook(ctx context.Context, id uuid.UUID, webhookID, secret *string) error {
	return nil
}

func (r *memIntegrations) Delete(ctx context.Context, tool models.ToolName) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byTool, tool)
	return nil
}
