package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ayuuum/amber-eventbus/schema"
)

// MemoryRepository is an in-process EventRepository.
// Suitable for tests and single-instance deployments; nothing survives a restart.
type MemoryRepository struct {
	mu     sync.Mutex
	events map[string]*schema.Event
	opts   repoOptions
}

func NewMemoryRepository(opts ...Option) *MemoryRepository {
	return &MemoryRepository{
		events: make(map[string]*schema.Event),
		opts:   newRepoOptions(opts),
	}
}

func (m *MemoryRepository) Insert(ctx context.Context, event *schema.Event) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.InFlight() && m.findInFlightLocked(event.EventType, event.EntityID) != nil {
		return "", schema.ErrDuplicateInFlight
	}
	stored := cloneEvent(event)
	m.events[stored.ID] = &stored
	return stored.ID, nil
}

func (m *MemoryRepository) FindInFlight(ctx context.Context, eventType, entityID string) (*schema.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.findInFlightLocked(eventType, entityID); e != nil {
		found := cloneEvent(e)
		return &found, nil
	}
	return nil, nil
}

func (m *MemoryRepository) findInFlightLocked(eventType, entityID string) *schema.Event {
	for _, e := range m.events {
		if e.EventType == eventType && e.EntityID == entityID && e.InFlight() {
			return e
		}
	}
	return nil
}

func (m *MemoryRepository) ClaimBatch(ctx context.Context, queue schema.Queue, limit int) ([]schema.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.now()
	var candidates []*schema.Event
	for _, e := range m.events {
		if claimable(e, queue, now, m.opts.lease) {
			candidates = append(candidates, e)
		}
	}
	sortByCreated(candidates, false)
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claimed := make([]schema.Event, 0, len(candidates))
	for _, e := range candidates {
		markClaimed(e, now)
		claimed = append(claimed, cloneEvent(e))
	}
	return claimed, nil
}

func (m *MemoryRepository) ClaimByID(ctx context.Context, eventID string) (*schema.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[eventID]
	if !ok {
		return nil, schema.ErrNotFound
	}
	if e.Queue != schema.QueueMain || e.Status != schema.StatusPending {
		return nil, nil
	}
	markClaimed(e, m.opts.now())
	claimed := cloneEvent(e)
	return &claimed, nil
}

func (m *MemoryRepository) UpdateStatus(ctx context.Context, eventID string, update schema.Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[eventID]
	if !ok {
		return schema.ErrNotFound
	}
	if !holdsClaim(e, update) {
		return schema.ErrClaimLost
	}
	applyUpdate(e, update, m.opts.now())
	return nil
}

func (m *MemoryRepository) CountByStatus(ctx context.Context, queue schema.Queue) (schema.StatusCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := schema.StatusCounts{}
	for _, e := range m.events {
		if e.Queue == queue {
			counts[e.Status]++
		}
	}
	return counts, nil
}

func (m *MemoryRepository) Get(ctx context.Context, eventID string) (*schema.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[eventID]
	if !ok {
		return nil, schema.ErrNotFound
	}
	found := cloneEvent(e)
	return &found, nil
}

func (m *MemoryRepository) ListByQueue(ctx context.Context, queue schema.Queue, limit, offset int) ([]schema.Event, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matching []*schema.Event
	for _, e := range m.events {
		if e.Queue == queue {
			matching = append(matching, e)
		}
	}
	sortByCreated(matching, true)
	total := len(matching)

	if offset >= total {
		return []schema.Event{}, total, nil
	}
	matching = matching[offset:]
	if limit > 0 && len(matching) > limit {
		matching = matching[:limit]
	}
	page := make([]schema.Event, 0, len(matching))
	for _, e := range matching {
		page = append(page, cloneEvent(e))
	}
	return page, total, nil
}

func (m *MemoryRepository) CountByErrorType(ctx context.Context, queue schema.Queue) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := map[string]int{}
	for _, e := range m.events {
		if e.Queue != queue {
			continue
		}
		errorType := unknownErrorType
		if e.ErrorType != nil {
			errorType = *e.ErrorType
		}
		counts[errorType]++
	}
	return counts, nil
}

func (m *MemoryRepository) ResetForRetry(ctx context.Context, eventID string) (*schema.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[eventID]
	if !ok {
		return nil, schema.ErrNotFound
	}
	if e.Queue != schema.QueueDLQ {
		return nil, schema.ErrNotInDLQ
	}
	if m.findInFlightLocked(e.EventType, e.EntityID) != nil {
		return nil, schema.ErrDuplicateInFlight
	}
	resetForRetry(e, m.opts.now())
	reset := cloneEvent(e)
	return &reset, nil
}

func (m *MemoryRepository) Delete(ctx context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[eventID]
	if !ok {
		return schema.ErrNotFound
	}
	if e.Queue != schema.QueueDLQ {
		return schema.ErrNotInDLQ
	}
	delete(m.events, eventID)
	return nil
}

func (m *MemoryRepository) Close() error {
	return nil
}

func claimable(e *schema.Event, queue schema.Queue, now time.Time, lease time.Duration) bool {
	if e.Queue != queue {
		return false
	}
	switch e.Status {
	case schema.StatusPending:
		return e.NotBefore == nil || !e.NotBefore.After(now)
	case schema.StatusProcessing:
		return e.ClaimedAt != nil && e.ClaimedAt.Before(now.Add(-lease))
	default:
		return false
	}
}

func markClaimed(e *schema.Event, now time.Time) {
	e.Status = schema.StatusProcessing
	e.ClaimedAt = &now
	e.UpdatedAt = now
}

func sortByCreated(events []*schema.Event, newestFirst bool) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			if newestFirst {
				return a.ID > b.ID
			}
			return a.ID < b.ID
		}
		if newestFirst {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

// cloneEvent copies e so callers never share mutable state with the store.
func cloneEvent(e *schema.Event) schema.Event {
	c := *e
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	if e.Headers != nil {
		c.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			c.Headers[k] = v
		}
	}
	c.ErrorType = copyPtr(e.ErrorType)
	c.ErrorMessage = copyPtr(e.ErrorMessage)
	c.NotBefore = copyPtr(e.NotBefore)
	c.ClaimedAt = copyPtr(e.ClaimedAt)
	c.ProcessedAt = copyPtr(e.ProcessedAt)
	return c
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
