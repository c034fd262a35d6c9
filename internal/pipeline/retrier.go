package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"receipt-flow-go/pkg/log"
)

// Retrier 把单个条目的 上传→触发→检测 流水线包进有界重试循环。
// 只有超时会触发重试：认证失败、请求格式错误、网络与存储错误以及
// 抽取服务显式回报的失败都立即让条目失败，不消耗重试次数
// （与参考行为保持一致的非对称策略）。
type Retrier struct {
	store *ItemStore
	cfg   Config
}

// NewRetrier 创建一个重试控制器。
func NewRetrier(store *ItemStore, cfg Config) *Retrier {
	return &Retrier{store: store, cfg: cfg.withDefaults()}
}

// Run 驱动 attempt 直到条目到达终态或 ctx 被取消。
// attempt 执行一次完整的条目流水线；每次尝试都包在不短于检测器
// 最坏情况的独立超时里。返回非 nil 仅表示被上游取消，条目终态未写。
func (r *Retrier) Run(ctx context.Context, itemID string, attempt func(ctx context.Context) (Outcome, error)) error {
	for try := 0; ; try++ {
		actx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		out, err := attempt(actx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				// 批次级取消，由控制器统一收尾。
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// 尝试级超时和检测器硬超时同样按超时类处理。
				out = Outcome{Timeout: true, Source: "attempt", Reason: "AI 处理超时"}
			} else {
				r.store.Resolve(itemID, StatusFailed, err.Error())
				return nil
			}
		}

		if !out.Timeout {
			r.store.Resolve(itemID, out.Status, out.Reason)
			return nil
		}

		if try >= r.cfg.MaxAutoRetries {
			msg := fmt.Sprintf("AI 处理超时，已自动重试 %d 次仍未完成，请手动重试", r.cfg.MaxAutoRetries)
			r.store.AppendLog(itemID, msg)
			r.store.Resolve(itemID, StatusFailed, msg)
			log.Warnf("[Retrier] 条目重试次数耗尽, itemID: %s, retries: %d", itemID, r.cfg.MaxAutoRetries)
			return nil
		}

		n := r.store.IncRetry(itemID)
		delay := retryDelay(r.cfg.RetryBaseDelay, n)
		r.store.ResetProgress(itemID, r.cfg.RetryResetProgress)
		r.store.SetStage(itemID, StatusProcessing, "等待自动重试")
		r.store.AppendLog(itemID, fmt.Sprintf("检测到超时，第 %d 次自动重试将在 %s 后开始", n, delay))
		log.Infof("[Retrier] 条目超时，安排自动重试, itemID: %s, retry: %d, delay: %s", itemID, n, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
