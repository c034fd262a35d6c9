package pipeline

import "context"

// Limiter 是基于带缓冲通道的计数信号量，限制同时在途的条目流水线数量。
// 参考策略把并发度设为 1（严格串行，避免压垮外部抽取服务），
// 调大配置即可提升并发，不需要改动控制流。
type Limiter struct {
	permits chan struct{}
}

// NewLimiter 创建一个容量为 n 的 Limiter，n 小于 1 时按 1 处理。
func NewLimiter(n int) *Limiter {
	if n < 1 {
		n = 1
	}
	return &Limiter{permits: make(chan struct{}, n)}
}

// Acquire 获取一个许可，在许可可用或 ctx 结束前阻塞。
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.permits <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release 归还一个许可。必须与成功的 Acquire 一一配对。
func (l *Limiter) Release() {
	<-l.permits
}
