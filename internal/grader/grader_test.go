package grader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commercekit/vendbridge/internal/config"
	"github.com/commercekit/vendbridge/internal/domain"
	"github.com/commercekit/vendbridge/internal/service/flags"
)

func TestEvaluate_Green(t *testing.T) {
	grade, reasons, score := Evaluate(Observations{
		Pending: 12, DonePerMin: 30, OldestPendingAgeS: 45,
		LastEventAgeS: 60, VendorConfigOK: true,
	})
	assert.Equal(t, domain.GradeGreen, grade)
	assert.Empty(t, reasons)
	assert.Equal(t, 100, score)
}

func TestEvaluate_RedTriggers(t *testing.T) {
	base := Observations{DonePerMin: 10, VendorConfigOK: true, LastEventAgeS: -1}

	cases := []struct {
		name   string
		mutate func(*Observations)
		reason string
	}{
		{"pending backlog", func(o *Observations) { o.Pending = 6000 }, "pending_gt_5000"},
		{"stale oldest", func(o *Observations) { o.OldestPendingAgeS = 1801 }, "oldest_pending_gt_1800"},
		{"no throughput", func(o *Observations) {
			o.DonePerMin = 0
			o.Pending = 3
			o.OldestPendingAgeS = 700
		}, "no_throughput"},
		{"5xx storm", func(o *Observations) { o.Rate5xx = 0.2 }, "rate_5xx_gt_15pct"},
		{"429 storm", func(o *Observations) { o.Rate429 = 0.25 }, "rate_429_gt_20pct"},
		{"webhook silence", func(o *Observations) { o.LastEventAgeS = 901 }, "webhook_silence_gt_900"},
		{"bad vendor config", func(o *Observations) { o.VendorConfigOK = false }, "vendor_config_invalid"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := base
			tc.mutate(&o)
			grade, reasons, score := Evaluate(o)
			assert.Equal(t, domain.GradeRed, grade)
			assert.Contains(t, reasons, tc.reason)
			assert.Less(t, score, 100)
		})
	}
}

func TestEvaluate_AmberTriggers(t *testing.T) {
	base := Observations{DonePerMin: 10, VendorConfigOK: true, LastEventAgeS: -1}

	cases := []struct {
		name   string
		mutate func(*Observations)
		reason string
	}{
		{"pending", func(o *Observations) { o.Pending = 1500 }, "pending_gt_1000"},
		{"oldest", func(o *Observations) { o.OldestPendingAgeS = 700 }, "oldest_pending_gt_600"},
		{"5xx", func(o *Observations) { o.Rate5xx = 0.08 }, "rate_5xx_gt_5pct"},
		{"429", func(o *Observations) { o.Rate429 = 0.08 }, "rate_429_gt_5pct"},
		{"webhook silence", func(o *Observations) { o.LastEventAgeS = 400 }, "webhook_silence_gt_300"},
		{"breaker", func(o *Observations) { o.BreakerTripped = true }, "breaker_tripped"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := base
			tc.mutate(&o)
			grade, reasons, _ := Evaluate(o)
			assert.Equal(t, domain.GradeAmber, grade)
			assert.Contains(t, reasons, tc.reason)
		})
	}
}

func TestEvaluate_RedWinsOverAmber(t *testing.T) {
	grade, reasons, _ := Evaluate(Observations{
		Pending: 6000, OldestPendingAgeS: 700, DonePerMin: 5, VendorConfigOK: true, LastEventAgeS: -1,
	})
	assert.Equal(t, domain.GradeRed, grade)
	assert.NotContains(t, reasons, "pending_gt_1000")
}

func TestEvaluate_NoWebhooksEverIsNotSilence(t *testing.T) {
	grade, _, _ := Evaluate(Observations{DonePerMin: 10, VendorConfigOK: true, LastEventAgeS: -1})
	assert.Equal(t, domain.GradeGreen, grade)
}

// ---- cycle with stubs ----

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
	return map[string]string{}, nil
}

type jobsStub struct {
	domain.JobRepository
	counts domain.QueueCounts
}

func (s *jobsStub) Counts(_ context.Context) (domain.QueueCounts, error) { return s.counts, nil }

type webhooksStub struct {
	domain.WebhookRepository
	age    time.Duration
	ageErr error
}

func (s *webhooksStub) LastEventAge(_ context.Context) (time.Duration, error) {
	return s.age, s.ageErr
}

type auditStub struct {
	mu      sync.Mutex
	records []domain.GradeAudit
}

func (s *auditStub) Record(_ context.Context, a domain.GradeAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, a)
	return nil
}

func validCfg() config.Config {
	return config.Config{VendPermanentToken: "pt-1"}
}

func TestRunCycle_RedDegradesAndAudits(t *testing.T) {
	store := newMemStore()
	audits := &auditStub{}
	g := New(validCfg(),
		&jobsStub{counts: domain.QueueCounts{Pending: 6000, DonePerMin: 2}},
		&webhooksStub{ageErr: domain.ErrNotFound},
		flags.NewRegistry(store),
		audits,
		func() (float64, float64) { return 0, 0 },
		nil)

	res, err := g.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.GradeRed, res.Grade)
	assert.Contains(t, res.Reasons, "pending_gt_5000")

	assert.Equal(t, "true", store.kv[flags.UIReadonly])
	assert.Equal(t, "true", store.kv[flags.QueueKillAll])
	assert.Equal(t, "false", store.kv[flags.WebhookFanoutEnabled])
	assert.NotEmpty(t, store.kv[flags.UIBanner])

	require.Len(t, audits.records, 1)
	assert.Equal(t, domain.GradeRed, audits.records[0].Grade)
	assert.Equal(t, float64(6000), audits.records[0].Metrics["pending"])
	assert.NotEmpty(t, audits.records[0].Actions)
}

func TestRunCycle_GreenRestoresAfterRed(t *testing.T) {
	store := newMemStore()
	jobs := &jobsStub{counts: domain.QueueCounts{Pending: 6000, DonePerMin: 2}}
	g := New(validCfg(), jobs,
		&webhooksStub{ageErr: domain.ErrNotFound},
		flags.NewRegistry(store),
		&auditStub{},
		func() (float64, float64) { return 0, 0 },
		nil)

	_, err := g.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, "true", store.kv[flags.QueueKillAll])

	jobs.counts = domain.QueueCounts{Pending: 10, DonePerMin: 20}
	res, err := g.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.GradeGreen, res.Grade)

	assert.Equal(t, "false", store.kv[flags.UIReadonly])
	assert.Equal(t, "false", store.kv[flags.QueueKillAll])
	assert.Equal(t, "true", store.kv[flags.WebhookFanoutEnabled])
	_, banner := store.kv[flags.UIBanner]
	assert.False(t, banner, "banner cleared on GREEN")
}

func TestRunCycle_AmberCapsInventoryThenGreenReleases(t *testing.T) {
	store := newMemStore()
	jobs := &jobsStub{counts: domain.QueueCounts{Pending: 1500, DonePerMin: 20}}
	g := New(validCfg(), jobs,
		&webhooksStub{ageErr: domain.ErrNotFound},
		flags.NewRegistry(store),
		&auditStub{},
		func() (float64, float64) { return 0, 0 },
		nil)

	res, err := g.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.GradeAmber, res.Grade)
	capKey := flags.ConcurrencyKey(domain.TypeInventoryCommand)
	assert.Equal(t, "2", store.kv[capKey])
	_, killed := store.kv[flags.QueueKillAll]
	assert.False(t, killed, "AMBER leaves kill switches untouched")

	jobs.counts = domain.QueueCounts{Pending: 10, DonePerMin: 20}
	_, err = g.RunCycle(context.Background())
	require.NoError(t, err)
	_, capped := store.kv[capKey]
	assert.False(t, capped, "GREEN removes the grader's own cap")
}

func TestRunCycle_GreenKeepsOperatorCap(t *testing.T) {
	store := newMemStore()
	capKey := flags.ConcurrencyKey(domain.TypeInventoryCommand)
	store.kv[capKey] = "7"

	g := New(validCfg(),
		&jobsStub{counts: domain.QueueCounts{Pending: 1, DonePerMin: 20}},
		&webhooksStub{ageErr: domain.ErrNotFound},
		flags.NewRegistry(store),
		&auditStub{},
		func() (float64, float64) { return 0, 0 },
		nil)

	_, err := g.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "7", store.kv[capKey], "operator-set cap survives GREEN")
}

func TestVendorConfigOK(t *testing.T) {
	assert.True(t, vendorConfigOK(config.Config{VendPermanentToken: "pt"}))
	assert.True(t, vendorConfigOK(config.Config{
		VendClientID: "id", VendClientSecret: "sec", VendRefreshToken: "rt",
	}))
	assert.False(t, vendorConfigOK(config.Config{VendClientID: "id"}))
	assert.False(t, vendorConfigOK(config.Config{}))
}
