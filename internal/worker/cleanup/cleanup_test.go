package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/unitconv/internal/metrics"
)

type mockSessions struct {
	mu      sync.Mutex
	calls   int
	deleted int64
	err     error
}

func (m *mockSessions) DeleteExpired(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.deleted, m.err
}

func (m *mockSessions) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockLogs struct {
	before  time.Time
	calls   int
	deleted int64
	err     error
}

func (m *mockLogs) DeleteOlderThan(_ context.Context, before time.Time) (int64, error) {
	m.calls++
	m.before = before
	return m.deleted, m.err
}

type cleanupRecord struct {
	target  string
	deleted int64
}

type recordingMetrics struct {
	metrics.Nop
	cleanups []cleanupRecord
}

func (r *recordingMetrics) RecordCleanup(target string, deleted int64, _ time.Duration) {
	r.cleanups = append(r.cleanups, cleanupRecord{target, deleted})
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func logEntries(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for line := range strings.SplitSeq(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestNewCleanupJob_Defaults(t *testing.T) {
	job := NewCleanupJob(&mockSessions{}, &mockLogs{}, nil, nil)

	if job == nil {
		t.Fatal("NewCleanupJob は nil を返してはならない")
	}
	if job.RetentionDays != 90 {
		t.Errorf("RetentionDays = %d, want 90", job.RetentionDays)
	}
}

func TestCleanupJob_Run_PurgesBothTargets(t *testing.T) {
	var buf bytes.Buffer
	sessions := &mockSessions{deleted: 3}
	logs := &mockLogs{deleted: 42}
	rec := &recordingMetrics{}

	job := NewCleanupJob(sessions, logs, newTestLogger(&buf), rec)
	fixed := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return fixed }
	job.RetentionDays = 30

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if sessions.calls != 1 || logs.calls != 1 {
		t.Fatalf("calls: sessions=%d logs=%d, want 1 each", sessions.calls, logs.calls)
	}
	wantBefore := time.Date(2024, 5, 31, 12, 0, 0, 0, time.UTC)
	if !logs.before.Equal(wantBefore) {
		t.Errorf("before = %v, want %v", logs.before, wantBefore)
	}

	want := []cleanupRecord{{targetSessions, 3}, {targetActivityLogs, 42}}
	if len(rec.cleanups) != len(want) {
		t.Fatalf("cleanups = %v, want %v", rec.cleanups, want)
	}
	for i := range want {
		if rec.cleanups[i] != want[i] {
			t.Errorf("cleanups[%d] = %v, want %v", i, rec.cleanups[i], want[i])
		}
	}
}

func TestCleanupJob_Run_LogsDeletedCount(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockSessions{}, &mockLogs{deleted: 42}, newTestLogger(&buf), nil)

	_ = job.Run(context.Background())

	found := false
	for _, entry := range logEntries(t, &buf) {
		if entry["target"] == targetActivityLogs && entry["deleted_count"] == float64(42) &&
			entry["retention_days"] == float64(90) {
			found = true
		}
	}
	if !found {
		t.Errorf("ログに activity_logs の deleted_count=42 が記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_ContinuesAfterSessionFailure(t *testing.T) {
	var buf bytes.Buffer
	sessions := &mockSessions{err: sql.ErrConnDone}
	logs := &mockLogs{deleted: 1}
	rec := &recordingMetrics{}

	job := NewCleanupJob(sessions, logs, newTestLogger(&buf), rec)

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("DBエラー時に Run() は nil でないエラーを返すべき")
	}
	if !strings.Contains(err.Error(), "sql: connection is already closed") {
		t.Errorf("エラーメッセージが期待と異なる: %v", err)
	}
	if logs.calls != 1 {
		t.Error("セッション削除の失敗後も監査ログの削除は実行されるべき")
	}
	if len(rec.cleanups) != 1 || rec.cleanups[0].target != targetActivityLogs {
		t.Errorf("cleanups = %v, want only activity_logs", rec.cleanups)
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("エラー時にERRORレベルのログが記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_JoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(
		&mockSessions{err: sql.ErrConnDone},
		&mockLogs{err: sql.ErrTxDone},
		newTestLogger(&buf), nil,
	)

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{targetSessions, targetActivityLogs} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %q", err.Error(), want)
		}
	}
}

func TestCleanupJob_Run_Idempotent_ZeroRows(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockSessions{}, &mockLogs{}, newTestLogger(&buf), nil)

	for i := range 2 {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("Run() #%d がエラーを返した: %v", i+1, err)
		}
	}
}

func TestCleanupJob_Start_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	sessions := &mockSessions{}
	job := NewCleanupJob(sessions, &mockLogs{}, newTestLogger(&buf), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Hour)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for sessions.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("Start は起動直後に1回実行するべき")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start がキャンセル後に終了しない")
	}
}
