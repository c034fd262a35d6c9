package pipeline

import (
	"fmt"
	"sync"
	"testing"
)

func TestItemStoreAddRejectsDuplicateID(t *testing.T) {
	s := NewItemStore()
	if err := s.Add(&UploadItem{ID: "a", Status: StatusQueued}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(&UploadItem{ID: "a", Status: StatusQueued}); err == nil {
		t.Fatal("重复 ID 应当被拒绝")
	}
}

func TestItemStoreNextQueuedIsFIFO(t *testing.T) {
	s := NewItemStore()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.Add(&UploadItem{ID: id, Status: StatusQueued}); err != nil {
			t.Fatalf("Add(%s): %v", id, err)
		}
	}

	id, ok := s.NextQueued()
	if !ok || id != "a" {
		t.Fatalf("NextQueued = %q, 期望 a", id)
	}
	s.SetStage("a", StatusUploading, "")
	id, ok = s.NextQueued()
	if !ok || id != "b" {
		t.Fatalf("NextQueued = %q, 期望 b", id)
	}
	s.Resolve("b", StatusCancelled, "")
	s.Resolve("c", StatusCancelled, "")
	if _, ok := s.NextQueued(); ok {
		t.Fatal("所有条目离开 queued 后 NextQueued 不应再命中")
	}
}

func TestItemStoreProgressMonotonic(t *testing.T) {
	s := NewItemStore()
	if err := s.Add(&UploadItem{ID: "a", Status: StatusProcessing}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s.SetProgress("a", 40)
	s.SetProgress("a", 20) // 更小的值被忽略
	if item, _ := s.Get("a"); item.Progress != 40 {
		t.Fatalf("Progress = %d, 期望 40", item.Progress)
	}

	s.SetProgress("a", 130)
	if item, _ := s.Get("a"); item.Progress != 100 {
		t.Fatalf("Progress = %d, 期望被钳制到 100", item.Progress)
	}

	// ResetProgress 是重试路径的显式例外，允许回退。
	s.ResetProgress("a", 5)
	if item, _ := s.Get("a"); item.Progress != 5 {
		t.Fatalf("ResetProgress 后 Progress = %d, 期望 5", item.Progress)
	}

	s.Resolve("a", StatusFailed, "boom")
	s.SetProgress("a", 90)
	if item, _ := s.Get("a"); item.Progress != 5 {
		t.Fatalf("终态条目的进度不应再变化, Progress = %d", item.Progress)
	}
}

func TestItemStoreResolveFirstWriterWins(t *testing.T) {
	s := NewItemStore()
	if err := s.Add(&UploadItem{ID: "a", Status: StatusProcessing}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// 模拟多路完成检测同时得出结论：终态写必须恰好发生一次。
	statuses := []ItemStatus{StatusCompleted, StatusFailed, StatusCancelled}
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(st ItemStatus) {
			defer wg.Done()
			if s.Resolve("a", st, "reason") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(statuses[i%len(statuses)])
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("终态写发生了 %d 次, 期望恰好 1 次", wins)
	}
	item, _ := s.Get("a")
	if !item.Status.Terminal() {
		t.Fatalf("Status = %s, 期望终态", item.Status)
	}
	if item.CompletedAt == nil {
		t.Fatal("终态条目应当带 CompletedAt")
	}
}

func TestItemStoreResolveRejectsNonTerminal(t *testing.T) {
	s := NewItemStore()
	if err := s.Add(&UploadItem{ID: "a", Status: StatusQueued}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if s.Resolve("a", StatusProcessing, "") {
		t.Fatal("Resolve 不应接受非终态")
	}
	if item, _ := s.Get("a"); item.Status != StatusQueued {
		t.Fatalf("Status = %s, 期望保持 queued", item.Status)
	}
}

func TestItemStoreResolveCompletedNormalizes(t *testing.T) {
	s := NewItemStore()
	if err := s.Add(&UploadItem{ID: "a", Status: StatusProcessing, Error: "旧错误"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.SetProgress("a", 60)
	if !s.Resolve("a", StatusCompleted, "") {
		t.Fatal("Resolve 应当成功")
	}
	item, _ := s.Get("a")
	if item.Progress != 100 || item.Error != "" || item.CurrentStage != "已完成" {
		t.Fatalf("completed 条目未归一化: progress=%d, error=%q, stage=%q",
			item.Progress, item.Error, item.CurrentStage)
	}
}

func TestItemStoreSetReceiptIDWriteOnce(t *testing.T) {
	s := NewItemStore()
	if err := s.Add(&UploadItem{ID: "a", Status: StatusUploading}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.SetReceiptID("a", "r1")
	s.SetReceiptID("a", "r2")
	if item, _ := s.Get("a"); item.ReceiptID != "r1" {
		t.Fatalf("ReceiptID = %q, 一经写入不应改变", item.ReceiptID)
	}
}

func TestItemStoreResetForManualRetry(t *testing.T) {
	s := NewItemStore()
	if err := s.Add(&UploadItem{ID: "a", Status: StatusProcessing}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.MarkStarted("a")
	s.SetProgress("a", 70)
	s.AppendLog("a", "一些日志")
	s.IncRetry("a")
	s.Resolve("a", StatusFailed, "AI 处理超时")

	if !s.ResetForManualRetry("a") {
		t.Fatal("failed 条目应当允许手动重试")
	}
	item, _ := s.Get("a")
	if item.Status != StatusQueued || item.Progress != 0 || item.RetryCount != 0 ||
		item.Error != "" || item.ProcessingLogs != nil || item.StartedAt != nil || item.CompletedAt != nil {
		t.Fatalf("手动重试未完整重置条目: %+v", item)
	}

	// 非 failed 条目不可手动重试。
	if s.ResetForManualRetry("a") {
		t.Fatal("queued 条目不应允许手动重试")
	}
	if s.ResetForManualRetry("missing") {
		t.Fatal("不存在的条目不应允许手动重试")
	}
}

func TestItemStoreTotalProgress(t *testing.T) {
	tests := []struct {
		progresses []int
		want       int
	}{
		{nil, 0},
		{[]int{33}, 33},
		{[]int{100, 100}, 100},
		{[]int{50, 51}, 51}, // 50.5 四舍五入
		{[]int{0, 0, 1}, 0}, // 0.33 舍去
		{[]int{50, 50, 51}, 50},
	}
	for _, tt := range tests {
		s := NewItemStore()
		for i, p := range tt.progresses {
			id := fmt.Sprintf("i%d", i)
			if err := s.Add(&UploadItem{ID: id, Status: StatusProcessing}); err != nil {
				t.Fatalf("Add: %v", err)
			}
			s.SetProgress(id, p)
		}
		if got := s.TotalProgress(); got != tt.want {
			t.Errorf("TotalProgress(%v) = %d, 期望 %d", tt.progresses, got, tt.want)
		}
	}
}

func TestItemStoreAllTerminal(t *testing.T) {
	s := NewItemStore()
	if !s.AllTerminal() {
		t.Fatal("空队列应当视为全部终态")
	}
	if err := s.Add(&UploadItem{ID: "a", Status: StatusQueued}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(&UploadItem{ID: "b", Status: StatusQueued}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.Resolve("a", StatusCompleted, "")
	if s.AllTerminal() {
		t.Fatal("仍有 queued 条目时不应为全部终态")
	}
	s.Resolve("b", StatusFailed, "boom")
	if !s.AllTerminal() {
		t.Fatal("全部条目终态后应当返回 true")
	}
}

func TestItemStoreSnapshotIsolation(t *testing.T) {
	s := NewItemStore()
	if err := s.Add(&UploadItem{ID: "a", Status: StatusProcessing}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.AppendLog("a", "第一条")
	snap, _ := s.Get("a")
	s.AppendLog("a", "第二条")
	s.SetProgress("a", 80)

	if len(snap.ProcessingLogs) != 1 || snap.Progress != 0 {
		t.Fatalf("快照不应随后续修改变化: logs=%d, progress=%d",
			len(snap.ProcessingLogs), snap.Progress)
	}
}
