package pipeline

import (
	"context"
	"fmt"
	"time"

	"receipt-flow-go/internal/model"
	"receipt-flow-go/pkg/log"
)

// Outcome 是一次完成检测的结论。
type Outcome struct {
	// Status 为 StatusCompleted 或 StatusFailed；Timeout 为 true 时表示
	// 硬上限内没有任何终态信号，由重试控制器决定是否重试。
	Status  ItemStatus
	Reason  string
	Timeout bool
	// Source 标记哪一路信号源得出的结论，仅用于日志。
	Source string
}

// Detector 是单条目的混合完成检测器。抽取服务触发之后（关联 ID 已知），
// 它用四路冗余信号源观察外部服务何时到达终态：
//
//  1. 推送订阅：收据记录的状态变更通知；
//  2. 兜底轮询：固定间隔、限定次数地查询记录状态（推送可能静默失联）；
//  3. 即时检查：触发后几秒的一次性查询，兜住比订阅和首轮轮询更快的抽取；
//  4. 快速检查：前 30 秒内若干固定偏移的一次性查询。
//
// 四路信号竞争解决同一个条目，首个观察到终态的获胜，其余全部随检测
// 上下文一起取消。另有"进度卡在 100"兜底与硬超时上限收束所有悬而未决的情况。
type Detector struct {
	records RecordStore
	store   *ItemStore
	cfg     Config
}

// NewDetector 创建一个完成检测器。
func NewDetector(records RecordStore, store *ItemStore, cfg Config) *Detector {
	return &Detector{records: records, store: store, cfg: cfg.withDefaults()}
}

// Wait 阻塞等待条目的终态结论。所有信号源注册在同一个可取消的检测
// 上下文里，Wait 返回时一并取消，不会留下还能改写条目状态的后台任务。
// ctx 被上游取消时返回 ctx.Err()，此时不产生任何结论。
func (d *Detector) Wait(ctx context.Context, itemID, receiptID string) (Outcome, error) {
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 缓冲足够容纳所有信号源各发一次结论，落败方永不阻塞。
	results := make(chan Outcome, 8+len(d.cfg.QuickCheckDelays))

	go d.watchSubscription(dctx, receiptID, results)
	go d.pollLoop(dctx, receiptID, results)
	go d.oneShotCheck(dctx, receiptID, d.cfg.ImmediateCheckDelay, "immediate", results)
	for _, offset := range d.cfg.QuickCheckDelays {
		go d.oneShotCheck(dctx, receiptID, offset, "quick", results)
	}
	go d.progressLoop(dctx, itemID, results)

	deadline := time.NewTimer(d.cfg.HardDeadline)
	defer deadline.Stop()

	select {
	case out := <-results:
		log.Infof("[Detector] 检测完成, itemID: %s, receiptID: %s, status: %s, source: %s",
			itemID, receiptID, out.Status, out.Source)
		return out, nil
	case <-deadline.C:
		log.Warnf("[Detector] 达到硬超时上限, itemID: %s, receiptID: %s, deadline: %s",
			itemID, receiptID, d.cfg.HardDeadline)
		return Outcome{Timeout: true, Source: "deadline", Reason: "AI 处理超时"}, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// classify 把收据状态哨兵解读为检测结论。非终态哨兵返回 false。
func classify(status, source string) (Outcome, bool) {
	if model.IsCompleteStatus(status) {
		return Outcome{Status: StatusCompleted, Source: source}, true
	}
	if model.IsFailedStatus(status) {
		return Outcome{Status: StatusFailed, Source: source,
			Reason: fmt.Sprintf("AI 处理失败 (%s)", status)}, true
	}
	return Outcome{}, false
}

// watchSubscription 是推送信号源。订阅建立失败只记日志不报错，兜底轮询会补位。
func (d *Detector) watchSubscription(ctx context.Context, receiptID string, results chan<- Outcome) {
	sub, err := d.records.Subscribe(ctx, receiptID)
	if err != nil {
		log.Warnf("[Detector] 建立推送订阅失败，仅依赖轮询, receiptID: %s, error: %v", receiptID, err)
		return
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-sub.Changes():
			if !ok {
				return
			}
			if out, terminal := classify(status, "subscription"); terminal {
				results <- out
				return
			}
		}
	}
}

// pollLoop 是兜底轮询信号源。连续查询失败达到阈值按硬失败上报，
// 偶发失败（如记录暂时查不到）被容忍并在下一轮重查。
func (d *Detector) pollLoop(ctx context.Context, receiptID string, results chan<- Outcome) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	consecutiveErrors := 0
	for attempt := 0; attempt < d.cfg.PollMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rec, err := d.records.Get(ctx, receiptID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveErrors++
			log.Warnf("[Detector] 轮询查询收据状态失败 (%d/%d), receiptID: %s, error: %v",
				consecutiveErrors, d.cfg.PollMaxConsecutiveErrors, receiptID, err)
			if consecutiveErrors >= d.cfg.PollMaxConsecutiveErrors {
				results <- Outcome{Status: StatusFailed, Source: "poll",
					Reason: fmt.Sprintf("连续 %d 次查询收据状态失败: %v", consecutiveErrors, err)}
				return
			}
			continue
		}
		consecutiveErrors = 0

		if out, terminal := classify(rec.Status, "poll"); terminal {
			results <- out
			return
		}
	}
}

// oneShotCheck 在固定偏移后做一次性的状态查询，兜住快于订阅与首轮轮询的抽取。
// 查询失败直接放弃，其余信号源仍在。
func (d *Detector) oneShotCheck(ctx context.Context, receiptID string, delay time.Duration, source string, results chan<- Outcome) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	rec, err := d.records.Get(ctx, receiptID)
	if err != nil {
		if ctx.Err() == nil {
			log.Warnf("[Detector] %s 检查查询失败, receiptID: %s, error: %v", source, receiptID, err)
		}
		return
	}
	if out, terminal := classify(rec.Status, source); terminal {
		results <- out
	}
}

// progressLoop 按墙钟时间乐观推进处理阶段的进度，并实现"卡在 100"兜底：
// 乐观进度可能跑在真实信号前面，条目进度到 100 后超过宽限期仍无终态信号时，
// 有关联 ID 的按成功收束（把迟滞的终态信号当作成功），否则按失败收束。
func (d *Detector) progressLoop(ctx context.Context, itemID string, results chan<- Outcome) {
	ticker := time.NewTicker(d.cfg.ProgressTick)
	defer ticker.Stop()

	start := time.Now()
	var at100 time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		elapsed := time.Since(start)
		target := 55 + int(45*float64(elapsed)/float64(d.cfg.ProgressRamp))
		if target > 100 {
			target = 100
		}
		d.store.SetProgress(itemID, target)

		item, ok := d.store.Get(itemID)
		if !ok || item.Status.Terminal() {
			return
		}
		if item.Progress < 100 {
			at100 = time.Time{}
			continue
		}
		now := time.Now()
		if at100.IsZero() {
			at100 = now
			continue
		}
		if now.Sub(at100) < d.cfg.StuckGracePeriod {
			continue
		}
		if item.ReceiptID != "" {
			log.Warnf("[Detector] 进度卡在 100 超过宽限期，按成功收束, itemID: %s, receiptID: %s",
				itemID, item.ReceiptID)
			results <- Outcome{Status: StatusCompleted, Source: "fallback"}
		} else {
			results <- Outcome{Status: StatusFailed, Source: "fallback", Reason: "未收到完成信号"}
		}
		return
	}
}
