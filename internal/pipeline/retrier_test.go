package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func newRetrierFixture(t *testing.T, cfg Config) (*Retrier, *ItemStore) {
	t.Helper()
	store := NewItemStore()
	addProcessingItem(t, store, "i1", "r1")
	return NewRetrier(store, cfg), store
}

func TestRetrierSuccessFirstAttempt(t *testing.T) {
	r, store := newRetrierFixture(t, testConfig())

	attempts := 0
	err := r.Run(context.Background(), "i1", func(ctx context.Context) (Outcome, error) {
		attempts++
		return Outcome{Status: StatusCompleted, Source: "poll"}, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, 期望 1", attempts)
	}
	item, _ := store.Get("i1")
	if item.Status != StatusCompleted || item.Progress != 100 || item.RetryCount != 0 {
		t.Fatalf("条目未按成功收束: %+v", item)
	}
}

func TestRetrierTimeoutExhaustsRetries(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAutoRetries = 3
	cfg.RetryBaseDelay = 2 * time.Millisecond
	r, store := newRetrierFixture(t, cfg)
	store.SetProgress("i1", 80)

	attempts := 0
	err := r.Run(context.Background(), "i1", func(ctx context.Context) (Outcome, error) {
		attempts++
		return Outcome{Timeout: true, Source: "deadline"}, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempts != 4 {
		t.Fatalf("attempts = %d, 期望首次 + 3 次重试", attempts)
	}
	item, _ := store.Get("i1")
	if item.Status != StatusFailed {
		t.Fatalf("Status = %s, 期望 failed", item.Status)
	}
	if item.RetryCount != 3 {
		t.Fatalf("RetryCount = %d, 期望 3", item.RetryCount)
	}
	if !strings.Contains(item.Error, "已自动重试 3 次") {
		t.Fatalf("最终错误应当说明重试次数: %q", item.Error)
	}
	// 每次重试开始时进度被重置为小正值。
	if item.Progress != cfg.RetryResetProgress {
		t.Fatalf("Progress = %d, 期望重置为 %d", item.Progress, cfg.RetryResetProgress)
	}
}

func TestRetrierBackoffDoubles(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAutoRetries = 3
	cfg.RetryBaseDelay = 10 * time.Millisecond
	r, _ := newRetrierFixture(t, cfg)

	var mu sync.Mutex
	var starts []time.Time
	err := r.Run(context.Background(), "i1", func(ctx context.Context) (Outcome, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return Outcome{Timeout: true}, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(starts) != 4 {
		t.Fatalf("尝试次数 = %d, 期望 4", len(starts))
	}
	// 退避间隔依次为 base、2×base、4×base（下界断言，避免调度抖动导致脆弱）。
	for i, want := range []time.Duration{10, 20, 40} {
		gap := starts[i+1].Sub(starts[i])
		if gap < want*time.Millisecond {
			t.Errorf("第 %d 次重试间隔 = %s, 期望不少于 %dms", i+1, gap, want)
		}
	}
}

func TestRetrierHardFailureDoesNotRetry(t *testing.T) {
	r, store := newRetrierFixture(t, testConfig())

	attempts := 0
	err := r.Run(context.Background(), "i1", func(ctx context.Context) (Outcome, error) {
		attempts++
		return Outcome{}, errors.New("抽取服务认证失败")
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("硬失败不应消耗重试, attempts = %d", attempts)
	}
	item, _ := store.Get("i1")
	if item.Status != StatusFailed || item.RetryCount != 0 {
		t.Fatalf("条目未按硬失败收束: %+v", item)
	}
	if !strings.Contains(item.Error, "认证失败") {
		t.Fatalf("错误信息不符: %q", item.Error)
	}
}

func TestRetrierFailedOutcomeDoesNotRetry(t *testing.T) {
	r, store := newRetrierFixture(t, testConfig())

	attempts := 0
	err := r.Run(context.Background(), "i1", func(ctx context.Context) (Outcome, error) {
		attempts++
		return Outcome{Status: StatusFailed, Reason: "AI 处理失败 (failed_ai)"}, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("显式失败不应消耗重试, attempts = %d", attempts)
	}
	item, _ := store.Get("i1")
	if item.Status != StatusFailed || item.RetryCount != 0 {
		t.Fatalf("条目未按失败收束: %+v", item)
	}
}

func TestRetrierAttemptTimeoutCountsAsTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.AttemptTimeout = 20 * time.Millisecond
	cfg.HardDeadline = 20 * time.Millisecond
	cfg.MaxAutoRetries = 1
	cfg.RetryBaseDelay = 2 * time.Millisecond
	r, store := newRetrierFixture(t, cfg)

	// 尝试挂死直到尝试级超时触发。
	err := r.Run(context.Background(), "i1", func(ctx context.Context) (Outcome, error) {
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	item, _ := store.Get("i1")
	if item.Status != StatusFailed || item.RetryCount != 1 {
		t.Fatalf("尝试级超时应当按超时类重试后失败: %+v", item)
	}
}

func TestRetrierCancelledLeavesItemOpen(t *testing.T) {
	r, store := newRetrierFixture(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	err := r.Run(ctx, "i1", func(actx context.Context) (Outcome, error) {
		<-actx.Done()
		return Outcome{}, actx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run 返回 %v, 期望 context.Canceled", err)
	}
	// 终态由上游取消路径统一写，重试控制器自己不写。
	item, _ := store.Get("i1")
	if item.Status.Terminal() {
		t.Fatalf("取消时重试控制器不应写终态, Status = %s", item.Status)
	}
}

func TestRetryDelaySchedule(t *testing.T) {
	base := 30 * time.Second
	tests := []struct {
		k    int
		want time.Duration
	}{
		{0, 30 * time.Second}, // 非法输入按首次处理
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
	}
	for _, tt := range tests {
		if got := retryDelay(base, tt.k); got != tt.want {
			t.Errorf("retryDelay(30s, %d) = %s, 期望 %s", tt.k, got, tt.want)
		}
	}
}
