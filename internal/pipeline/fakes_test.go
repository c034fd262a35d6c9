package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"receipt-flow-go/internal/model"
)

var errRecordNotFound = errors.New("收据记录不存在")

// testConfig 把全部时间参数缩短到毫秒级，用真实的并发路径驱动测试。
func testConfig() Config {
	return Config{
		MaxConcurrent:            1,
		InterItemDelay:           time.Millisecond,
		PollInterval:             10 * time.Millisecond,
		PollMaxAttempts:          500,
		PollMaxConsecutiveErrors: 5,
		ImmediateCheckDelay:      5 * time.Millisecond,
		QuickCheckDelays:         []time.Duration{15 * time.Millisecond},
		ProgressTick:             5 * time.Millisecond,
		ProgressRamp:             500 * time.Millisecond,
		StuckGracePeriod:         10 * time.Second,
		HardDeadline:             2 * time.Second,
		AttemptTimeout:           3 * time.Second,
		MaxAutoRetries:           3,
		RetryBaseDelay:           5 * time.Millisecond,
		RetryResetProgress:       5,
		AggregateInterval:        5 * time.Millisecond,
		AllowedExtensions:        []string{".jpg", ".jpeg", ".png"},
		MaxFileSize:              1 << 20,
	}
}

// eventually 轮询等待条件成立，超时则让测试失败。
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("等待超时 (%s): %s", timeout, msg)
}

// fakeRecords 是内存版的收据记录库，支持脚本化的查询失败与状态推送。
type fakeRecords struct {
	mu       sync.Mutex
	recs     map[string]*model.Receipt
	subs     map[string][]chan string
	inserted int
	getCalls int
	getErr   error
	getErrN  int // >0 表示前 N 次 Get 返回 getErr，<0 表示永远返回
	subErr   error
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{
		recs: make(map[string]*model.Receipt),
		subs: make(map[string][]chan string),
	}
}

func (f *fakeRecords) Insert(ctx context.Context, rec *model.Receipt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.recs[rec.ID] = &cp
	f.inserted++
	return nil
}

func (f *fakeRecords) Get(ctx context.Context, id string) (*model.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErrN != 0 {
		if f.getErrN > 0 {
			f.getErrN--
		}
		return nil, f.getErr
	}
	rec, ok := f.recs[id]
	if !ok {
		return nil, errRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeRecords) Subscribe(ctx context.Context, id string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	ch := make(chan string, 8)
	f.subs[id] = append(f.subs[id], ch)
	return &fakeSub{ch: ch}, nil
}

// SetStatus 模拟外部抽取服务写回状态：更新记录并推送给所有订阅者。
func (f *fakeRecords) SetStatus(id, status string) {
	f.mu.Lock()
	rec, ok := f.recs[id]
	if !ok {
		rec = &model.Receipt{ID: id}
		f.recs[id] = rec
	}
	rec.Status = status
	chans := append([]chan string(nil), f.subs[id]...)
	f.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- status:
		default:
		}
	}
}

func (f *fakeRecords) Gets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

func (f *fakeRecords) SubCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[id])
}

func (f *fakeRecords) Inserted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inserted
}

type fakeSub struct{ ch chan string }

func (s *fakeSub) Changes() <-chan string { return s.ch }
func (s *fakeSub) Close() error           { return nil }

// fakeStorage 是内存版对象存储，failN 控制前几次上传失败。
type fakeStorage struct {
	mu      sync.Mutex
	uploads int
	failN   int
	err     error
}

func (f *fakeStorage) Upload(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if f.failN != 0 {
		if f.failN > 0 {
			f.failN--
		}
		return "", f.err
	}
	return "https://blob.test/" + objectName, nil
}

func (f *fakeStorage) Uploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}

// fakeInvoker 记录触发调用，onInvoke 让测试模拟异步完成的抽取服务。
type fakeInvoker struct {
	mu       sync.Mutex
	calls    []string
	err      error
	onInvoke func(receiptID string)
}

func (f *fakeInvoker) Invoke(ctx context.Context, receiptID, assetURL, modelID string) error {
	f.mu.Lock()
	f.calls = append(f.calls, receiptID)
	cb := f.onInvoke
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if cb != nil {
		cb(receiptID)
	}
	return nil
}

func (f *fakeInvoker) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// addProcessingItem 直接向 store 放入一个处于 processing 阶段的条目。
func addProcessingItem(t *testing.T, store *ItemStore, id, receiptID string) {
	t.Helper()
	item := &UploadItem{
		ID:        id,
		FileName:  id + ".jpg",
		Status:    StatusProcessing,
		ReceiptID: receiptID,
		CreatedAt: time.Now(),
	}
	if err := store.Add(item); err != nil {
		t.Fatalf("Add: %v", err)
	}
}

func fileInput(name string) FileInput {
	return FileInput{
		FileName:    name,
		ContentType: "image/jpeg",
		Data:        []byte("fake-image-bytes"),
	}
}
