package retention

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// fakeResult はテスト用のsql.Result実装。
type fakeResult struct {
	rowsAffected int64
	rowsErr      error
}

func (r *fakeResult) LastInsertId() (int64, error) { return 0, nil }

func (r *fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, r.rowsErr }

// mockExecutor はテスト用のExecutorモック。実行されたクエリと引数を記録する。
type mockExecutor struct {
	query  string
	args   []interface{}
	result sql.Result
	err    error
}

func (m *mockExecutor) ExecContext(_ context.Context, query string, args ...interface{}) (sql.Result, error) {
	m.query = query
	m.args = args
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

// mockTrimmer はテスト用のUnfollowedTrimmerモック。
type mockTrimmer struct {
	trimmed    int
	gotMax     int
	flushCalls int
	flushErr   error
}

func (m *mockTrimmer) TrimRecentlyUnfollowed(max int) int {
	m.gotMax = max
	return m.trimmed
}

func (m *mockTrimmer) Flush(_ context.Context) error {
	m.flushCalls++
	return m.flushErr
}

func TestRun_DeletesStalePostCacheKeys(t *testing.T) {
	executor := &mockExecutor{result: &fakeResult{rowsAffected: 5}}
	trimmer := &mockTrimmer{}
	job := NewRetentionJob(executor, trimmer, newTestLogger())

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run がエラーを返した: %v", err)
	}

	// 削除対象はpost_cacheキーのみ
	if !strings.Contains(executor.query, "LIKE 'post_cache/%'") {
		t.Errorf("post_cacheキーへの絞り込みがない: %s", executor.query)
	}
	if !strings.Contains(executor.query, "updated_at") {
		t.Errorf("updated_atによる保持期間判定がない: %s", executor.query)
	}

	// デフォルトの保持日数はintervalパラメータで渡される
	if len(executor.args) != 1 || executor.args[0] != "30 days" {
		t.Errorf("args = %v, want [30 days]", executor.args)
	}
}

func TestRun_CustomRetentionDays(t *testing.T) {
	executor := &mockExecutor{result: &fakeResult{}}
	job := NewRetentionJob(executor, &mockTrimmer{}, newTestLogger())
	job.RetentionDays = 7

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run がエラーを返した: %v", err)
	}

	if executor.args[0] != "7 days" {
		t.Errorf("args = %v, want [7 days]", executor.args)
	}
}

func TestRun_TrimsUnfollowedHistory(t *testing.T) {
	executor := &mockExecutor{result: &fakeResult{}}
	trimmer := &mockTrimmer{trimmed: 3}
	job := NewRetentionJob(executor, trimmer, newTestLogger())

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run がエラーを返した: %v", err)
	}

	if trimmer.gotMax != 200 {
		t.Errorf("切り詰め上限 = %d, want 200", trimmer.gotMax)
	}
	// 切り詰めが発生した場合のみ永続化する
	if trimmer.flushCalls != 1 {
		t.Errorf("flushCalls = %d, want 1", trimmer.flushCalls)
	}
}

func TestRun_NoTrimSkipsFlush(t *testing.T) {
	executor := &mockExecutor{result: &fakeResult{}}
	trimmer := &mockTrimmer{trimmed: 0}
	job := NewRetentionJob(executor, trimmer, newTestLogger())

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run がエラーを返した: %v", err)
	}

	if trimmer.flushCalls != 0 {
		t.Errorf("切り詰めなしで永続化が発生した: flushCalls = %d", trimmer.flushCalls)
	}
}

func TestRun_ExecFailure(t *testing.T) {
	executor := &mockExecutor{err: errors.New("connection lost")}
	job := NewRetentionJob(executor, &mockTrimmer{}, newTestLogger())

	if err := job.Run(context.Background()); err == nil {
		t.Error("SQL実行失敗はエラーを返すべき")
	}
}

func TestRun_NilTrimmer(t *testing.T) {
	executor := &mockExecutor{result: &fakeResult{}}
	job := NewRetentionJob(executor, nil, newTestLogger())

	if err := job.Run(context.Background()); err != nil {
		t.Errorf("trimmerなしでも実行できるべき: %v", err)
	}
}
