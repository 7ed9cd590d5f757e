package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/ultramarket/orders-api/internal/domain"
	"github.com/ultramarket/orders-api/internal/repositories"
)

type healthProbeStub struct {
	report domain.SystemHealthReport
	err    error
	calls  int
}

var _ repositories.HealthRepository = (*healthProbeStub)(nil)

func (s *healthProbeStub) Collect(context.Context) (domain.SystemHealthReport, error) {
	s.calls++
	return s.report, s.err
}

type auditQueryStub struct {
	gotFilter AuditLogFilter
	page      domain.CursorPage[domain.AuditLogEntry]
	err       error
}

var _ AuditLogService = (*auditQueryStub)(nil)

func (s *auditQueryStub) Record(context.Context, AuditLogRecord) {}

func (s *auditQueryStub) List(_ context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	s.gotFilter = filter
	return s.page, s.err
}

type counterStub struct {
	scope string
	name  string
	opts  CounterGenerationOptions
	value CounterValue
	err   error
}

var _ CounterService = (*counterStub)(nil)

func (s *counterStub) Next(_ context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error) {
	s.scope = scope
	s.name = name
	s.opts = opts
	return s.value, s.err
}

func (s *counterStub) NextOrderNumber(context.Context) (string, error) { return "", nil }

func (s *counterStub) NextInvoiceNumber(context.Context) (string, error) { return "", nil }

func mustSystemService(t *testing.T, deps SystemServiceDeps) SystemService {
	t.Helper()
	svc, err := NewSystemService(deps)
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	return svc
}

func TestNewSystemServiceRequiresHealthRepository(t *testing.T) {
	if _, err := NewSystemService(SystemServiceDeps{}); err == nil {
		t.Fatal("expected error for missing health repository")
	}
}

func TestSystemServiceHealthReportFillsBuildMetadata(t *testing.T) {
	started := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	now := started.Add(5 * time.Minute)
	probe := &healthProbeStub{
		report: domain.SystemHealthReport{
			// Environment set by the probe must win over build metadata.
			Environment: "staging",
			Checks: map[string]domain.SystemHealthCheck{
				"firestore": {Status: domain.HealthStatusOK},
				"pubsub":    {Status: domain.HealthStatusOK},
			},
		},
	}
	svc := mustSystemService(t, SystemServiceDeps{
		HealthRepository: probe,
		Clock:            func() time.Time { return now },
		Build: BuildInfo{
			Version:     "1.4.0",
			CommitSHA:   "9f2c41d",
			Environment: "production",
			StartedAt:   started,
		},
	})

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}

	if report.Status != domain.HealthStatusOK {
		t.Errorf("status = %q", report.Status)
	}
	if report.Version != "1.4.0" {
		t.Errorf("version = %q", report.Version)
	}
	if report.CommitSHA != "9f2c41d" {
		t.Errorf("commit = %q", report.CommitSHA)
	}
	if report.Environment != "staging" {
		t.Errorf("environment = %q", report.Environment)
	}
	if report.Uptime != 5*time.Minute {
		t.Errorf("uptime = %s", report.Uptime)
	}
	if !report.GeneratedAt.Equal(now) {
		t.Errorf("generated at = %s", report.GeneratedAt)
	}
	if probe.calls != 1 {
		t.Errorf("collect calls = %d", probe.calls)
	}
}

func TestSystemServiceHealthReportStatus(t *testing.T) {
	cases := []struct {
		name   string
		report domain.SystemHealthReport
		want   string
	}{
		{
			name:   "no checks",
			report: domain.SystemHealthReport{},
			want:   domain.HealthStatusOK,
		},
		{
			name: "degraded check",
			report: domain.SystemHealthReport{
				Checks: map[string]domain.SystemHealthCheck{
					"pubsub":  {Status: domain.HealthStatusDegraded},
					"secrets": {Status: domain.HealthStatusOK},
				},
			},
			want: domain.HealthStatusDegraded,
		},
		{
			name: "error beats degraded",
			report: domain.SystemHealthReport{
				Checks: map[string]domain.SystemHealthCheck{
					"pubsub":    {Status: domain.HealthStatusDegraded},
					"firestore": {Status: domain.HealthStatusError},
				},
			},
			want: domain.HealthStatusError,
		},
		{
			name: "probe status preserved",
			report: domain.SystemHealthReport{
				Status: "maintenance",
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusError},
				},
			},
			want: "maintenance",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := mustSystemService(t, SystemServiceDeps{
				HealthRepository: &healthProbeStub{report: tc.report},
			})
			report, err := svc.HealthReport(context.Background())
			if err != nil {
				t.Fatalf("HealthReport: %v", err)
			}
			if report.Status != tc.want {
				t.Errorf("status = %q, want %q", report.Status, tc.want)
			}
			if report.Checks == nil {
				t.Error("checks map not initialised")
			}
		})
	}
}

func TestSystemServiceHealthReportPropagatesCollectError(t *testing.T) {
	probeErr := errors.New("collect failed")
	svc := mustSystemService(t, SystemServiceDeps{
		HealthRepository: &healthProbeStub{err: probeErr},
	})

	if _, err := svc.HealthReport(context.Background()); !errors.Is(err, probeErr) {
		t.Fatalf("err = %v", err)
	}
}

func TestSystemServiceListAuditLogsDelegates(t *testing.T) {
	audit := &auditQueryStub{
		page: domain.CursorPage[domain.AuditLogEntry]{Items: []domain.AuditLogEntry{{ID: "al-1"}}},
	}
	svc := mustSystemService(t, SystemServiceDeps{
		HealthRepository: &healthProbeStub{},
		Audit:            audit,
	})

	page, err := svc.ListAuditLogs(context.Background(), AuditLogFilter{Actor: "/staff/staff-7"})
	if err != nil {
		t.Fatalf("ListAuditLogs: %v", err)
	}
	if audit.gotFilter.Actor != "/staff/staff-7" {
		t.Errorf("actor filter = %q", audit.gotFilter.Actor)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "al-1" {
		t.Errorf("items = %+v", page.Items)
	}
}

func TestSystemServiceListAuditLogsUnconfigured(t *testing.T) {
	svc := mustSystemService(t, SystemServiceDeps{HealthRepository: &healthProbeStub{}})

	if _, err := svc.ListAuditLogs(context.Background(), AuditLogFilter{}); err == nil {
		t.Fatal("expected error without audit service")
	}
}

func TestSystemServiceNextCounterValueDelegates(t *testing.T) {
	counters := &counterStub{value: CounterValue{Value: 42}}
	svc := mustSystemService(t, SystemServiceDeps{
		HealthRepository: &healthProbeStub{},
		Counters:         counters,
	})

	value, err := svc.NextCounterValue(context.Background(), CounterCommand{CounterID: "orders:2025", Step: 5})
	if err != nil {
		t.Fatalf("NextCounterValue: %v", err)
	}
	if value != 42 {
		t.Errorf("value = %d", value)
	}
	if counters.scope != "orders" || counters.name != "2025" {
		t.Errorf("counter = %s:%s", counters.scope, counters.name)
	}
	if counters.opts.Step != 5 {
		t.Errorf("step = %d", counters.opts.Step)
	}
}

func TestSystemServiceNextCounterValueUnconfigured(t *testing.T) {
	svc := mustSystemService(t, SystemServiceDeps{HealthRepository: &healthProbeStub{}})

	if _, err := svc.NextCounterValue(context.Background(), CounterCommand{CounterID: "orders:2025"}); err == nil {
		t.Fatal("expected error without counter service")
	}
}

func TestSystemServiceNextCounterValueRejectsBadIDs(t *testing.T) {
	svc := mustSystemService(t, SystemServiceDeps{
		HealthRepository: &healthProbeStub{},
		Counters:         &counterStub{},
	})

	for _, id := range []string{"", "   ", "orders", ":2025", "orders:", " : "} {
		if _, err := svc.NextCounterValue(context.Background(), CounterCommand{CounterID: id}); err == nil {
			t.Errorf("id %q accepted", id)
		}
	}
}

func TestSplitCounterID(t *testing.T) {
	cases := []struct {
		id    string
		scope string
		name  string
	}{
		{"orders:2025", "orders", "2025"},
		{" orders : 2025 ", "orders", "2025"},
		// Only the first colon splits; names may contain more.
		{"invoices:2025:06", "invoices", "2025:06"},
	}
	for _, tc := range cases {
		scope, name, err := splitCounterID(tc.id)
		if err != nil {
			t.Errorf("splitCounterID(%q): %v", tc.id, err)
			continue
		}
		if scope != tc.scope || name != tc.name {
			t.Errorf("splitCounterID(%q) = %s:%s, want %s:%s", tc.id, scope, name, tc.scope, tc.name)
		}
	}
}
