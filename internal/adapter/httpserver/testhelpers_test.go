package httpserver

import (
	"context"
	"sync"
	"time"

	"github.com/commercekit/vendbridge/internal/config"
	"github.com/commercekit/vendbridge/internal/domain"
	"github.com/commercekit/vendbridge/internal/service/flags"
)

type memStore struct {
	mu sync.Mutex
	kv map[string]string
}

func newMemStore() *memStore { return &memStore{kv: map[string]string{}} }

func (s *memStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.kv[key]
	return v, ok, nil
}
func (s *memStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = value
	return nil
}
func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}
func (s *memStore) Snapshot(_ context.Context, _ string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]string{}
	for k, v := range s.kv {
		out[k] = v
	}
	return out, nil
}

type jobsStub struct {
	mu       sync.Mutex
	enqueued []domain.Job
	nextID   int64
	counts   domain.QueueCounts
	reaped   int64
	redriven int64
	purged    int64
	lastReap  time.Duration
	recentDLQ []domain.DLQEntry
}

func newJobsStub() *jobsStub { return &jobsStub{nextID: 500} }

func (s *jobsStub) Enqueue(_ context.Context, j domain.Job) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.enqueued = append(s.enqueued, j)
	return s.nextID, nil
}
func (s *jobsStub) ClaimBatch(_ context.Context, _ domain.ClaimOptions) ([]domain.Job, error) {
	return nil, nil
}
func (s *jobsStub) Heartbeat(_ context.Context, _ int64, _ time.Duration) error { return nil }
func (s *jobsStub) Complete(_ context.Context, _ int64) error                   { return nil }
func (s *jobsStub) Fail(_ context.Context, _ int64, _ error) error              { return nil }
func (s *jobsStub) Reap(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReap = olderThan
	return s.reaped, nil
}
func (s *jobsStub) MoveToDLQ(_ context.Context, _ int64, _, _ string) error { return nil }
func (s *jobsStub) RedriveDLQ(_ context.Context, _ []int64, _ time.Duration) (int64, error) {
	return s.redriven, nil
}
func (s *jobsStub) PurgeDLQ(_ context.Context, _ time.Duration) (int64, error) {
	return s.purged, nil
}
func (s *jobsStub) Counts(_ context.Context) (domain.QueueCounts, error) { return s.counts, nil }
func (s *jobsStub) WorkingCountByType(_ context.Context) (map[string]int64, error) {
	return map[string]int64{}, nil
}
func (s *jobsStub) RecentDLQ(_ context.Context, _ int) ([]domain.DLQEntry, error) {
	return s.recentDLQ, nil
}
func (s *jobsStub) AppendLog(_ context.Context, _ domain.JobLog) error { return nil }

type webhooksStub struct {
	mu       sync.Mutex
	nextID   int64
	events   map[string]domain.WebhookEvent
	statuses map[int64]domain.WebhookStatus
	linked   map[int64]int64
	stats    []string
	replay   []domain.WebhookEvent
	marked   [][2]int64
}

func newWebhooksStub() *webhooksStub {
	return &webhooksStub{
		nextID:   10,
		events:   map[string]domain.WebhookEvent{},
		statuses: map[int64]domain.WebhookStatus{},
		linked:   map[int64]int64{},
	}
}

func (s *webhooksStub) Insert(_ context.Context, e domain.WebhookEvent) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.events[e.WebhookID]; ok {
		return existing.ID, true, nil
	}
	s.nextID++
	e.ID = s.nextID
	s.events[e.WebhookID] = e
	return e.ID, false, nil
}
func (s *webhooksStub) LinkJob(_ context.Context, eventID, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.linked[eventID] = jobID
	return nil
}
func (s *webhooksStub) SetStatus(_ context.Context, eventID int64, status domain.WebhookStatus, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[eventID] = status
	return nil
}
func (s *webhooksStub) Get(_ context.Context, _ int64) (domain.WebhookEvent, error) {
	return domain.WebhookEvent{}, domain.ErrNotFound
}
func (s *webhooksStub) GetByWebhookID(_ context.Context, id string) (domain.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return domain.WebhookEvent{}, domain.ErrNotFound
	}
	return e, nil
}
func (s *webhooksStub) ListForReplay(_ context.Context, _ time.Time, _ int) ([]domain.WebhookEvent, error) {
	return s.replay, nil
}
func (s *webhooksStub) MarkReplayed(_ context.Context, from, to int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, [2]int64{from, to})
	return nil
}
func (s *webhooksStub) LastEventAge(_ context.Context) (time.Duration, error) {
	return 0, domain.ErrNotFound
}
func (s *webhooksStub) BumpStats(_ context.Context, webhookType string, failed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	suffix := ":ok"
	if failed {
		suffix = ":failed"
	}
	s.stats = append(s.stats, webhookType+suffix)
	return nil
}

func testServer(cfg config.Config, store *memStore, jobs *jobsStub, webhooks *webhooksStub) *Server {
	return NewServer(cfg, flags.NewRegistry(store), jobs, webhooks, store, nil, nil, nil, nil, nil)
}
