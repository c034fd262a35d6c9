package pipeline

import (
	"fmt"
	"sync"
	"time"
)

// ItemStore 是批次内所有上传条目的有序集合。
// 内部用 map 按条目 ID 索引（完成检测的各路任务会频繁按 ID 查找），
// 另维护插入顺序用于 FIFO 处理。所有读写都经过互斥锁，
// 读操作返回快照副本，调用方拿到的条目不会被并发修改。
type ItemStore struct {
	mu    sync.RWMutex
	items map[string]*UploadItem
	order []string
}

// NewItemStore 创建一个空的 ItemStore。
func NewItemStore() *ItemStore {
	return &ItemStore{items: make(map[string]*UploadItem)}
}

// Add 将一个新条目加入队列，条目 ID 重复时返回错误。
func (s *ItemStore) Add(item *UploadItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; ok {
		return fmt.Errorf("条目 ID 重复: %s", item.ID)
	}
	cp := *item
	s.items[cp.ID] = &cp
	s.order = append(s.order, cp.ID)
	return nil
}

// Get 返回指定条目的快照副本。
func (s *ItemStore) Get(id string) (UploadItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return UploadItem{}, false
	}
	return snapshot(item), true
}

// List 按插入顺序返回所有条目的快照副本。
func (s *ItemStore) List() []UploadItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]UploadItem, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, snapshot(s.items[id]))
	}
	return out
}

// Len 返回条目总数。
func (s *ItemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Clear 清空整个队列。只在用户显式清空/重置批次时调用，
// 流水线自身从不静默移除已完成或已失败的条目。
func (s *ItemStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*UploadItem)
	s.order = nil
}

// Remove 移除单个条目。
func (s *ItemStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return false
	}
	delete(s.items, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// NextQueued 按 FIFO 顺序返回下一个待处理条目的 ID。
func (s *ItemStore) NextQueued() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		if s.items[id].Status == StatusQueued {
			return id, true
		}
	}
	return "", false
}

// MarkStarted 记录条目本次进入流水线的时间。
func (s *ItemStore) MarkStarted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.items[id]; ok && item.StartedAt == nil {
		now := time.Now()
		item.StartedAt = &now
	}
}

// SetStage 更新条目的状态与阶段标签。条目已到终态时不做任何修改。
func (s *ItemStore) SetStage(id string, status ItemStatus, stage string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok || item.Status.Terminal() {
		return
	}
	item.Status = status
	item.CurrentStage = stage
}

// SetProgress 提升条目进度。进度在单次尝试内单调不减，传入更小的值会被忽略。
func (s *ItemStore) SetProgress(id string, progress int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok || item.Status.Terminal() {
		return
	}
	if progress > 100 {
		progress = 100
	}
	if progress > item.Progress {
		item.Progress = progress
	}
}

// ResetProgress 在自动重试开始时把进度重置为一个小的正值（绕过单调约束）。
func (s *ItemStore) ResetProgress(id string, progress int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok || item.Status.Terminal() {
		return
	}
	item.Progress = progress
}

// SetReceiptID 记录上传阶段返回的关联 ID。该字段一经写入不再改变。
func (s *ItemStore) SetReceiptID(id, receiptID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.items[id]; ok && item.ReceiptID == "" {
		item.ReceiptID = receiptID
	}
}

// AppendLog 追加一条处理日志（仅用于诊断展示）。
func (s *ItemStore) AppendLog(id, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.items[id]; ok {
		item.ProcessingLogs = append(item.ProcessingLogs, msg)
	}
}

// IncRetry 递增自动重试计数并返回新值。
func (s *ItemStore) IncRetry(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return 0
	}
	item.RetryCount++
	return item.RetryCount
}

// Resolve 把条目置为终态。终态写采用先到先得：
// 条目已是终态时本次调用不做任何修改并返回 false，
// 这保证了多路完成检测竞争下每个条目至多发生一次终态写。
func (s *ItemStore) Resolve(id string, status ItemStatus, errMsg string) bool {
	if !status.Terminal() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok || item.Status.Terminal() {
		return false
	}
	now := time.Now()
	item.Status = status
	item.CompletedAt = &now
	switch status {
	case StatusCompleted:
		item.Progress = 100
		item.CurrentStage = "已完成"
		item.Error = ""
	case StatusFailed:
		item.CurrentStage = "处理失败"
		item.Error = errMsg
	case StatusCancelled:
		item.CurrentStage = "已取消"
	}
	return true
}

// ResetForManualRetry 处理用户发起的手动重试：
// 仅 failed 条目可重试，重置回 queued 并清零重试计数、进度、日志与时间戳。
func (s *ItemStore) ResetForManualRetry(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok || item.Status != StatusFailed {
		return false
	}
	item.Status = StatusQueued
	item.Progress = 0
	item.CurrentStage = ""
	item.RetryCount = 0
	item.ProcessingLogs = nil
	item.Error = ""
	item.StartedAt = nil
	item.CompletedAt = nil
	return true
}

// AllTerminal 判断是否所有条目都已到达终态。空队列返回 true，
// 由调用方结合 Len 判断批次是否可宣告完成。
func (s *ItemStore) AllTerminal() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, item := range s.items {
		if !item.Status.Terminal() {
			return false
		}
	}
	return true
}

// TotalProgress 计算批次总进度：所有条目进度的算术平均值四舍五入取整。
// 这是只读投影，空队列返回 0。
func (s *ItemStore) TotalProgress() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.items) == 0 {
		return 0
	}
	sum := 0
	for _, item := range s.items {
		sum += item.Progress
	}
	return (sum*2 + len(s.items)) / (len(s.items) * 2)
}

// Counts 按状态统计条目数量，用于批次汇总展示。
func (s *ItemStore) Counts() map[ItemStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[ItemStatus]int)
	for _, item := range s.items {
		counts[item.Status]++
	}
	return counts
}

// snapshot 返回条目的深副本（日志切片独立），调用方持有时不受后续修改影响。
func snapshot(item *UploadItem) UploadItem {
	cp := *item
	if item.ProcessingLogs != nil {
		cp.ProcessingLogs = append([]string(nil), item.ProcessingLogs...)
	}
	return cp
}
