package webhook

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/ingest"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizer"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

// integrations

type fakeIntegrations struct {
	mu        sync.Mutex
	byOrg     map[uuid.UUID]*models.Integration
	lookups   int
	syncs     []error
	syncErr   error
	adopted   []string
	lookupErr error
}

func newFakeIntegrations(integrations ...*models.Integration) *fakeIntegrations {
	r := &fakeIntegrations{byOrg: map[uuid.UUID]*models.Integration{}}
	for _, integration := range integrations {
		r.byOrg[integration.OrganizationID] = integration
	}
	return r
}

func (r *fakeIntegrations) Upsert(ctx context.Context, integration *models.Integration) error {
	return nil
}

func (r *fakeIntegrations) GetByTool(ctx context.Context, tool models.ToolName) (*models.Integration, error) {
	tenantID, err := repositories.GetTenantID(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	if r.lookupErr != nil {
		return nil, r.lookupErr
	}

	integration, ok := r.byOrg[tenantID]
	if !ok || integration.ToolName != tool {
		return nil, repositories.NotFound("integration %s not found", tool)
	}
	return integration, nil
}

func (r *fakeIntegrations) GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error) {
	return nil, repositories.NotFound("integration %s not found", id)
}

func (r *fakeIntegrations) List(ctx context.Context) ([]models.Integration, error) {
	return nil, nil
}

func (r *fakeIntegrations) RecordSync(ctx context.Context, id uuid.UUID, syncErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.syncErr != nil {
		return r.syncErr
	}
	r.syncs = append(r.syncs, syncErr)
	for _, integration := range r.byOrg {
		if integration.ID != id {
			continue
		}
		if syncErr != nil {
			integration.Status = models.IntegrationStatusError
		} else {
			integration.Status = models.IntegrationStatusActive
		}
	}
	return nil
}

func (r *fakeIntegrations) SetStatus(ctx context.Context, id uuid.UUID, status models.IntegrationStatus) error {
	return nil
}

func (r *fakeIntegrations) SetWebhook(ctx context.Context, id uuid.UUID, webhookID, secret *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, integration := range r.byOrg {
		if integration.ID != id || secret == nil {
			continue
		}
		if integration.Credentials == nil {
			integration.Credentials = &models.IntegrationCredentials{IntegrationID: id}
		}
		integration.Credentials.WebhookSecret = secret
		r.adopted = append(r.adopted, *secret)
	}
	return nil
}

func (r *fakeIntegrations) Delete(ctx context.Context, tool models.ToolName) error {
	return nil
}

// source repositories

type fakeSources struct {
	byID map[uuid.UUID]*models.SourceRepository
}

func (r *fakeSources) Create(ctx context.Context, repository *models.SourceRepository) error {
	return nil
}

func (r *fakeSources) Resolve(ctx context.Context, id uuid.UUID) (*models.SourceRepository, error) {
	repository, ok := r.byID[id]
	if !ok {
		return nil, repositories.NotFound("repository %s does not exist", id)
	}
	return repository, nil
}

func (r *fakeSources) List(ctx context.Context) ([]models.SourceRepository, error) {
	return nil, nil
}

func (r *fakeSources) Delete(ctx context.Context, id uuid.UUID) error {
	return nil
}

// writer

type fakeWriter struct {
	mu       sync.Mutex
	events   map[string]*models.Event
	credited map[string]int64
	messages int
	// failWith makes every processing attempt fail with this message
	failWith string
	writeErr error
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{events: map[string]*models.Event{}, credited: map[string]int64{}}
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

func (w *fakeWriter) only() *models.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, event := range w.events {
		return event
	}
	return nil
}

func (w *fakeWriter) Record(ctx context.Context, integration *models.Integration, canonical normalizer.CanonicalEvent) (*models.Event, ingest.RecordOutcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeErr != nil {
		return nil, "", w.writeErr
	}

	key := string(integration.ToolName) + "/" + canonical.ExternalID
	if existing, ok := w.events[key]; ok {
		if existing.Status == models.EventStatusProcessed {
			return existing, ingest.RecordDuplicate, nil
		}
		return existing, ingest.RecordPending, nil
	}

	integrationID := integration.ID
	event := &models.Event{
		ID:             uuid.New(),
		OrganizationID: integration.OrganizationID,
		IntegrationID:  &integrationID,
		ExternalID:     canonical.ExternalID,
		SourceTool:     integration.ToolName,
		Type:           canonical.Type,
		Category:       canonical.Category,
		Status:         models.EventStatusPending,
		RawData:        database.NewJSONB(canonical.Raw),
		EntityRefs:     database.NewJSONB(canonical.EntityRefs),
	}
	w.events[key] = event
	return event, ingest.RecordCreated, nil
}

func (w *fakeWriter) Process(ctx context.Context, event *models.Event, canonical *normalizer.CanonicalEvent) (ingest.ProcessOutcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if event.Status == models.EventStatusProcessed {
		return ingest.ProcessAlreadyProcessed, nil
	}
	failWith := w.failWith
	if canonical.EffectsErr != nil {
		failWith = canonical.EffectsErr.Error()
	}
	if failWith != "" {
		event.Status = models.EventStatusFailed
		event.Error = database.NullJSONB[models.EventError]{Data: models.EventError{Message: failWith, Stage: "effects"}, Valid: true}
		return ingest.ProcessFailed, nil
	}

	for _, effect := range canonical.Effects {
		switch e := effect.(type) {
		case normalizer.BalanceCredit:
			w.credited[e.Currency] += e.Amount
		case normalizer.NewMessage:
			w.messages++
		}
	}
	event.Status = models.EventStatusProcessed
	return ingest.ProcessProcessed, nil
}

func (w *fakeWriter) Write(ctx context.Context, integration *models.Integration, canonical normalizer.CanonicalEvent) (*models.Event, ingest.RecordOutcome, ingest.ProcessOutcome, error) {
	event, recorded, err := w.Record(ctx, integration, canonical)
	if err != nil {
		return nil, "", "", err
	}
	if recorded == ingest.RecordDuplicate {
		return event, recorded, ingest.ProcessAlreadyProcessed, nil
	}
	processed, err := w.Process(ctx, event, &canonical)
	return event, recorded, processed, err
}

// queue

type fakeEnqueuer struct {
	mu     sync.Mutex
	queued []uuid.UUID
	err    error
}

func (q *fakeEnqueuer) EnqueueProcessEvent(ctx context.Context, organizationID, eventID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.queued = append(q.queued, eventID)
	return nil
}

// handshakes

type fakeHandshakes struct {
	mu      sync.Mutex
	parked  map[string]string
	parkErr error
}

func newFakeHandshakes() *fakeHandshakes {
	return &fakeHandshakes{parked: map[string]string{}}
}

func (h *fakeHandshakes) Park(ctx context.Context, organizationID string, tool models.ToolName, secret string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.parkErr != nil {
		return h.parkErr
	}
	h.parked[string(tool)+":"+organizationID] = secret
	return nil
}

func (h *fakeHandshakes) Peek(ctx context.Context, organizationID string, tool models.ToolName) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.parked[string(tool)+":"+organizationID], nil
}

func (h *fakeHandshakes) Discard(ctx context.Context, organizationID string, tool models.ToolName) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.parked, string(tool)+":"+organizationID)
	return nil
}
