package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"receipt-flow-go/pkg/log"
)

// ErrBatchNotProcessing 表示操作要求批次正在处理中。
var ErrBatchNotProcessing = errors.New("批次当前不在处理中")

// BatchSummary 是批次的聚合视图，供展示层查询。
type BatchSummary struct {
	Status        BatchStatus        `json:"status"`
	TotalProgress int                `json:"totalProgress"`
	Counts        map[ItemStatus]int `json:"counts"`
	StartedAt     *time.Time         `json:"startedAt,omitempty"`
	CompletedAt   *time.Time         `json:"completedAt,omitempty"`
	Items         []UploadItem       `json:"items"`
}

// Controller 是批次控制器：按 FIFO 顺序把条目依次送过
// 上传→触发→检测（外包重试）流水线，响应暂停/取消请求，
// 并在所有条目到达终态时宣告批次完成。
// 单个条目的错误从不中止批次，控制器总是推进到下一个排队条目。
type Controller struct {
	store    *ItemStore
	limiter  *Limiter
	uploader *Uploader
	detector *Detector
	retrier  *Retrier
	invoker  Invoker
	bus      *EventBus
	cfg      Config
	userID   uint
	modelID  string

	mu          sync.Mutex
	status      BatchStatus
	startedAt   *time.Time
	completedAt *time.Time
	cancelRun   context.CancelFunc
	paused      bool
	running     bool
	wg          sync.WaitGroup
}

// NewController 创建一个批次控制器。
func NewController(storage BlobStorage, records RecordStore, invoker Invoker, userID uint, modelID string, cfg Config) *Controller {
	cfg = cfg.withDefaults()
	store := NewItemStore()
	return &Controller{
		store:    store,
		limiter:  NewLimiter(cfg.MaxConcurrent),
		uploader: NewUploader(storage, records, store),
		detector: NewDetector(records, store, cfg),
		retrier:  NewRetrier(store, cfg),
		invoker:  invoker,
		bus:      NewEventBus(),
		cfg:      cfg,
		userID:   userID,
		modelID:  modelID,
		status:   BatchIdle,
	}
}

// Bus 返回批次的事件总线，展示层从这里订阅状态变更。
func (c *Controller) Bus() *EventBus {
	return c.bus
}

// Status 返回当前批次状态。
func (c *Controller) Status() BatchStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Summary 返回批次的聚合快照。
func (c *Controller) Summary() BatchSummary {
	c.mu.Lock()
	status := c.status
	startedAt := c.startedAt
	completedAt := c.completedAt
	c.mu.Unlock()
	return BatchSummary{
		Status:        status,
		TotalProgress: c.store.TotalProgress(),
		Counts:        c.store.Counts(),
		StartedAt:     startedAt,
		CompletedAt:   completedAt,
		Items:         c.store.List(),
	}
}

// AddFiles 校验文件后加入队列。任何一个文件不合法则整批拒绝，
// 不合法的文件不进入队列也不重试。
func (c *Controller) AddFiles(files []FileInput) ([]UploadItem, error) {
	for _, f := range files {
		if err := c.validateFile(f); err != nil {
			return nil, err
		}
	}

	added := make([]UploadItem, 0, len(files))
	for _, f := range files {
		id := f.ID
		if id == "" {
			id = uuid.NewString()
		}
		item := &UploadItem{
			ID:          id,
			FileName:    f.FileName,
			Size:        int64(len(f.Data)),
			ContentType: f.ContentType,
			Data:        f.Data,
			Status:      StatusQueued,
			CreatedAt:   time.Now(),
		}
		if err := c.store.Add(item); err != nil {
			return nil, err
		}
		snap, _ := c.store.Get(id)
		added = append(added, snap)
	}

	c.mu.Lock()
	if c.status == BatchIdle || c.status == BatchCompleted {
		c.status = BatchReady
	}
	c.mu.Unlock()
	log.Infof("[BatchController] 入队 %d 个文件, userID: %d", len(added), c.userID)
	return added, nil
}

// validateFile 做入队前校验：扩展名白名单与大小上限。
func (c *Controller) validateFile(f FileInput) error {
	ext := strings.ToLower(filepath.Ext(f.FileName))
	allowed := false
	for _, a := range c.cfg.AllowedExtensions {
		if ext == a {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("不支持的文件类型: %s", f.FileName)
	}
	if len(f.Data) == 0 {
		return fmt.Errorf("文件内容为空: %s", f.FileName)
	}
	if int64(len(f.Data)) > c.cfg.MaxFileSize {
		return fmt.Errorf("文件超过大小上限 (%d 字节): %s", c.cfg.MaxFileSize, f.FileName)
	}
	return nil
}

// Start 启动批处理主循环。已在处理中时是幂等的空操作；
// 上一轮主循环刚结束还在收尾时，Start 会等它退出后再启动新循环。
func (c *Controller) Start() error {
	for {
		c.mu.Lock()
		if !c.running {
			break
		}
		if c.status == BatchProcessing {
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	defer c.mu.Unlock()
	if c.store.Len() == 0 {
		return errors.New("队列为空，无法开始处理")
	}
	c.status = BatchProcessing
	c.paused = false
	if c.startedAt == nil {
		now := time.Now()
		c.startedAt = &now
	}
	c.completedAt = nil
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelRun = cancel
	c.running = true

	go c.run(ctx, cancel)
	go c.aggregateLoop(ctx)
	c.publishBatchLocked("开始批量处理")
	return nil
}

// Pause 请求暂停。当前条目的流水线会跑完，之后主循环停下。
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != BatchProcessing {
		return
	}
	c.paused = true
}

// Resume 从暂停处继续，接着处理下一个未到终态的条目。
func (c *Controller) Resume() error {
	c.mu.Lock()
	if c.status != BatchPaused {
		c.mu.Unlock()
		return ErrBatchNotProcessing
	}
	c.mu.Unlock()
	return c.Start()
}

// Cancel 取消整个批次：停掉主循环，连带取消每个未到终态条目的
// 全部完成检测任务（它们都注册在同一个可取消的上下文树里），
// 并把这些条目标记为 cancelled。
func (c *Controller) Cancel() {
	c.mu.Lock()
	if c.status.terminalBatch() {
		c.mu.Unlock()
		return
	}
	c.status = BatchCancelled
	now := time.Now()
	c.completedAt = &now
	cancel := c.cancelRun
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.cancelRemaining()
	c.publishBatch("批量处理已取消")
	log.Infof("[BatchController] 批次已取消, userID: %d", c.userID)
}

// terminalBatch 判断批次状态是否为终态。
func (s BatchStatus) terminalBatch() bool {
	return s == BatchCompleted || s == BatchCancelled
}

// RetryItem 处理用户对单个 failed 条目的手动重试：
// 重试计数归零、进度归零、回到 queued。批次已收尾时回到 ready，等待再次 Start。
func (c *Controller) RetryItem(itemID string) error {
	if !c.store.ResetForManualRetry(itemID) {
		return fmt.Errorf("条目不存在或不处于 failed 状态: %s", itemID)
	}
	c.mu.Lock()
	if c.status.terminalBatch() {
		c.status = BatchReady
		c.completedAt = nil
	}
	c.mu.Unlock()
	c.publishItem(itemID)
	log.Infof("[BatchController] 手动重试条目, itemID: %s", itemID)
	return nil
}

// RetryFailed 对失败子集做批量手动重试，返回重置的条目数。
func (c *Controller) RetryFailed() int {
	n := 0
	for _, item := range c.store.List() {
		if item.Status == StatusFailed {
			if c.store.ResetForManualRetry(item.ID) {
				c.publishItem(item.ID)
				n++
			}
		}
	}
	if n > 0 {
		c.mu.Lock()
		if c.status.terminalBatch() {
			c.status = BatchReady
			c.completedAt = nil
		}
		c.mu.Unlock()
	}
	return n
}

// Clear 清空队列并把批次复位为 idle。处理中不允许清空。
func (c *Controller) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("批次处理中，无法清空队列")
	}
	c.store.Clear()
	c.status = BatchIdle
	c.startedAt = nil
	c.completedAt = nil
	return nil
}

// run 是批处理主循环：一次取一个排队条目送进流水线。
// 循环内的未预期异常会被捕获并记录，批次仍收束为 completed，
// 让用户看到部分结果而不是一个悬而未决的批次。
func (c *Controller) run(ctx context.Context, cancel context.CancelFunc) {
	// 批次状态的收尾转移放在 running 翻转之后执行，
	// 观察到 paused/completed 的调用方可以立即再次 Start。
	// 收尾只取消本轮自己的 cancel：此刻 cancelRun 可能已属于下一轮循环。
	var exit func()
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("[BatchController] 批处理循环发生未预期异常: %v", rec)
			exit = func() {
				c.finalize("批处理因内部异常提前收束")
				cancel()
			}
		}
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		if exit != nil {
			exit()
		}
	}()

	for {
		if ctx.Err() != nil {
			c.wg.Wait()
			exit = c.cancelRemaining
			return
		}
		if c.isPaused() {
			c.wg.Wait()
			exit = func() { c.enterPaused(cancel) }
			return
		}

		itemID, ok := c.store.NextQueued()
		if !ok {
			c.wg.Wait()
			exit = func() {
				c.finalizeIfDone()
				cancel()
			}
			return
		}

		if err := c.limiter.Acquire(ctx); err != nil {
			c.wg.Wait()
			exit = c.cancelRemaining
			return
		}
		// 获取许可可能等了整个在途条目的时长，期间到达的取消/暂停要重查，
		// 否则已选中的条目会被照常派发。
		if ctx.Err() != nil {
			c.limiter.Release()
			c.wg.Wait()
			exit = c.cancelRemaining
			return
		}
		if c.isPaused() {
			c.limiter.Release()
			c.wg.Wait()
			exit = func() { c.enterPaused(cancel) }
			return
		}
		c.wg.Add(1)
		go func(id string) {
			defer c.wg.Done()
			defer c.limiter.Release()
			c.processItem(ctx, id)
			// 检测可能在主循环之外解决，条目收尾时增量复查批次是否完成。
			c.finalizeIfDone()
		}(itemID)

		timer := time.NewTimer(c.cfg.InterItemDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// processItem 把一个条目送过完整流水线（含自动重试）。
// 返回时条目必定处于某个终态。
func (c *Controller) processItem(ctx context.Context, itemID string) {
	c.store.MarkStarted(itemID)
	c.publishItem(itemID)

	err := c.retrier.Run(ctx, itemID, func(actx context.Context) (Outcome, error) {
		receiptID, assetURL, err := c.uploader.Run(actx, itemID, c.userID)
		if err != nil {
			return Outcome{}, err
		}

		c.store.SetStage(itemID, StatusProcessing, "AI 识别处理中")
		c.store.SetProgress(itemID, 50)
		if err := c.invoker.Invoke(actx, receiptID, assetURL, c.modelID); err != nil {
			return Outcome{}, fmt.Errorf("触发抽取服务失败: %w", err)
		}
		c.store.AppendLog(itemID, "已触发 AI 抽取服务")

		return c.detector.Wait(actx, itemID, receiptID)
	})
	if err != nil {
		// 只有批次级取消会走到这里。
		c.store.Resolve(itemID, StatusCancelled, "")
	}

	c.publishItem(itemID)
	if item, ok := c.store.Get(itemID); ok {
		log.Infof("[BatchController] 条目处理结束, itemID: %s, status: %s, retries: %d",
			itemID, item.Status, item.RetryCount)
	}
}

// aggregateLoop 是进度聚合器：固定周期重算批次总进度并广播。
// 只读投影，不触碰任何条目状态。
func (c *Controller) aggregateLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.AggregateInterval)
	defer ticker.Stop()

	last := -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if c.Status() != BatchProcessing {
			continue
		}
		tp := c.store.TotalProgress()
		if tp == last {
			continue
		}
		last = tp
		c.bus.Publish(Event{Type: EventProgress, BatchStatus: BatchProcessing, TotalProgress: tp})
	}
}

func (c *Controller) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// enterPaused 在当前条目跑完后把批次置为 paused，并取消本轮循环的上下文。
func (c *Controller) enterPaused(cancel context.CancelFunc) {
	c.mu.Lock()
	if c.status == BatchProcessing {
		c.status = BatchPaused
	}
	c.mu.Unlock()
	cancel()
	c.publishBatch("批量处理已暂停")
	log.Infof("[BatchController] 批次已暂停, userID: %d", c.userID)
}

// cancelRemaining 把所有未到终态的条目标记为 cancelled。
// 终态写走先到先得，和在途条目自身的收尾不会互相覆盖。
func (c *Controller) cancelRemaining() {
	for _, item := range c.store.List() {
		if c.store.Resolve(item.ID, StatusCancelled, "") {
			c.publishItem(item.ID)
		}
	}
}

// finalizeIfDone 在所有条目到达终态时宣告批次完成。
// 主循环末尾和每个条目收尾时都会调用。
func (c *Controller) finalizeIfDone() {
	c.mu.Lock()
	if c.status != BatchProcessing || c.store.Len() == 0 || !c.store.AllTerminal() {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.finalize("")
}

// finalize 把批次收束为 completed 并广播汇总。
func (c *Controller) finalize(note string) {
	c.mu.Lock()
	if c.status.terminalBatch() {
		c.mu.Unlock()
		return
	}
	c.status = BatchCompleted
	now := time.Now()
	c.completedAt = &now
	c.mu.Unlock()

	counts := c.store.Counts()
	msg := fmt.Sprintf("批量处理完成: 成功 %d, 失败 %d, 取消 %d",
		counts[StatusCompleted], counts[StatusFailed], counts[StatusCancelled])
	if note != "" {
		msg = note + "; " + msg
	}
	c.bus.Publish(Event{
		Type:          EventBatchUpdate,
		BatchStatus:   BatchCompleted,
		TotalProgress: c.store.TotalProgress(),
		Message:       msg,
	})
	log.Infof("[BatchController] %s, userID: %d", msg, c.userID)
}

func (c *Controller) publishItem(itemID string) {
	item, ok := c.store.Get(itemID)
	if !ok {
		return
	}
	c.bus.Publish(Event{
		Type:       EventItemUpdate,
		ItemID:     item.ID,
		ItemStatus: item.Status,
		Progress:   item.Progress,
		Message:    item.CurrentStage,
	})
}

func (c *Controller) publishBatch(msg string) {
	c.bus.Publish(Event{
		Type:          EventBatchUpdate,
		BatchStatus:   c.Status(),
		TotalProgress: c.store.TotalProgress(),
		Message:       msg,
	})
}

// publishBatchLocked 与 publishBatch 相同，但要求调用方已持有 c.mu。
func (c *Controller) publishBatchLocked(msg string) {
	c.bus.Publish(Event{
		Type:          EventBatchUpdate,
		BatchStatus:   c.status,
		TotalProgress: c.store.TotalProgress(),
		Message:       msg,
	})
}
