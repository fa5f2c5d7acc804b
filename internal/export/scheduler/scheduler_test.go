// Package scheduler tests for automatic backup scheduling.
package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/omarels/haaq/backend/internal/export"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// =====================================================
// Configuration Tests
// =====================================================

// TestNewScheduler_defaults verifies config normalization.
func TestNewScheduler_defaults(t *testing.T) {
	s := NewScheduler(export.NewMockExporter(), &SchedulerConfig{Interval: IntervalDaily, RetentionCount: -1}, nil)

	if s.GetConfig().Dir != "backups" {
		t.Errorf("Dir = %q, want backups", s.GetConfig().Dir)
	}
	if s.GetConfig().RetentionCount != 0 {
		t.Errorf("RetentionCount = %d, want 0", s.GetConfig().RetentionCount)
	}

	d := NewScheduler(export.NewMockExporter(), nil, nil)
	if d.GetConfig().Interval != IntervalManual {
		t.Errorf("default Interval = %s, want manual", d.GetConfig().Interval)
	}
}

// TestIntervalDuration verifies interval conversion.
func TestIntervalDuration(t *testing.T) {
	tests := []struct {
		interval BackupInterval
		want     time.Duration
		errText  string
	}{
		{IntervalDaily, 24 * time.Hour, ""},
		{IntervalWeekly, 7 * 24 * time.Hour, ""},
		{IntervalMonthly, 30 * 24 * time.Hour, ""},
		{IntervalManual, 0, "no duration"},
		{BackupInterval("hourly"), 0, "unknown interval"},
	}

	for _, tt := range tests {
		t.Run(string(tt.interval), func(t *testing.T) {
			got, err := IntervalDuration(tt.interval)
			if tt.errText != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errText) {
					t.Fatalf("error = %v, want %q", err, tt.errText)
				}
				return
			}
			if err != nil {
				t.Fatalf("IntervalDuration() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("IntervalDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

// =====================================================
// Lifecycle Tests
// =====================================================

// TestScheduler_Start_manual verifies manual mode never exports.
func TestScheduler_Start_manual(t *testing.T) {
	mock := export.NewMockExporter()
	s := NewScheduler(mock, &SchedulerConfig{Interval: IntervalManual, Dir: t.TempDir()}, clock.NewMock())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if s.IsRunning() {
		t.Error("manual scheduler should not be running")
	}
	s.Stop()

	if mock.CallCount() != 0 {
		t.Errorf("CallCount = %d, want 0", mock.CallCount())
	}
}

// TestScheduler_Start_invalidInterval verifies the error path.
func TestScheduler_Start_invalidInterval(t *testing.T) {
	s := NewScheduler(export.NewMockExporter(), &SchedulerConfig{Interval: "yearly"}, clock.NewMock())
	if err := s.Start(context.Background()); err == nil {
		t.Error("Start() should fail for an unknown interval")
	}
}

// TestScheduler_periodicBackups verifies the initial and interval backups.
func TestScheduler_periodicBackups(t *testing.T) {
	mock := export.NewMockExporter()
	clk := clock.NewMock()
	dir := t.TempDir()
	s := NewScheduler(mock, &SchedulerConfig{Interval: IntervalDaily, Dir: dir}, clk)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	waitFor(t, func() bool { return mock.CallCount() == 1 })

	clk.Add(24 * time.Hour)
	waitFor(t, func() bool { return mock.CallCount() == 2 })

	if mock.LastDir() != dir {
		t.Errorf("LastDir = %s, want %s", mock.LastDir(), dir)
	}
	if st := s.GetStatus(); !st.Running || st.Runs != 2 || st.LastErr != nil {
		t.Errorf("status = %+v", st)
	}
}

// TestScheduler_Stop_idempotent verifies Stop can be called repeatedly.
func TestScheduler_Stop_idempotent(t *testing.T) {
	mock := export.NewMockExporter()
	s := NewScheduler(mock, &SchedulerConfig{Interval: IntervalWeekly, Dir: t.TempDir()}, clock.NewMock())

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Stop()
	s.Stop()

	if s.IsRunning() {
		t.Error("scheduler should be stopped")
	}
}

// TestScheduler_contextCancellation verifies the loop exits on ctx cancel.
func TestScheduler_contextCancellation(t *testing.T) {
	mock := export.NewMockExporter()
	clk := clock.NewMock()
	s := NewScheduler(mock, &SchedulerConfig{Interval: IntervalDaily, Dir: t.TempDir()}, clk)

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return mock.CallCount() == 1 })

	cancel()
	s.Stop()

	clk.Add(48 * time.Hour)
	time.Sleep(20 * time.Millisecond)
	if mock.CallCount() != 1 {
		t.Errorf("CallCount = %d after cancel, want 1", mock.CallCount())
	}
}

// =====================================================
// RunNow / Retention Tests
// =====================================================

// TestScheduler_RunNow_failure verifies errors are recorded.
func TestScheduler_RunNow_failure(t *testing.T) {
	mock := export.NewMockExporter()
	mock.SetFail(true)
	s := NewScheduler(mock, &SchedulerConfig{Interval: IntervalManual, Dir: t.TempDir()}, clock.NewMock())

	if err := s.RunNow(); err == nil {
		t.Fatal("RunNow() should fail")
	}
	if s.GetStatus().LastErr == nil {
		t.Error("LastErr should be recorded")
	}
}

// TestScheduler_retention verifies the oldest backups are removed.
func TestScheduler_retention(t *testing.T) {
	mock := export.NewMockExporter()
	dir := t.TempDir()
	s := NewScheduler(mock, &SchedulerConfig{Interval: IntervalManual, Dir: dir, RetentionCount: 2}, clock.NewMock())

	for i := 0; i < 4; i++ {
		if err := s.RunNow(); err != nil {
			t.Fatalf("RunNow() error = %v", err)
		}
	}

	backups, err := export.ListBackups(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 2 {
		t.Fatalf("got %d backups, want 2", len(backups))
	}
	for i, want := range []string{"haaq-backup-mock-003.json", "haaq-backup-mock-004.json"} {
		if got := filepath.Base(backups[i].Path); got != want {
			t.Errorf("backup[%d] = %s, want %s", i, got, want)
		}
	}
}

// TestScheduler_retention_ignoresOtherFiles verifies unrelated files survive.
func TestScheduler_retention_ignoresOtherFiles(t *testing.T) {
	mock := export.NewMockExporter()
	dir := t.TempDir()
	other := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(other, []byte("keep"), 0600); err != nil {
		t.Fatal(err)
	}

	s := NewScheduler(mock, &SchedulerConfig{Interval: IntervalManual, Dir: dir, RetentionCount: 1}, clock.NewMock())
	for i := 0; i < 3; i++ {
		if err := s.RunNow(); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := os.Stat(other); err != nil {
		t.Errorf("unrelated file removed: %v", err)
	}
}
