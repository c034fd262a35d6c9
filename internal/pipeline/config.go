package pipeline

import "time"

// Config 汇集了编排核心的全部调优参数。
// 零值字段由 withDefaults 回落到参考默认值，测试可以把时间参数
// 缩短到毫秒级来驱动真实的并发路径。
type Config struct {
	// MaxConcurrent 是同时在途的条目流水线上限，参考策略为 1。
	MaxConcurrent int
	// InterItemDelay 是两个条目之间的固定间隔，避免对抽取服务突发请求。
	InterItemDelay time.Duration

	// PollInterval / PollMaxAttempts 控制兜底轮询。
	PollInterval    time.Duration
	PollMaxAttempts int
	// PollMaxConsecutiveErrors 次连续查询失败后按硬失败处理，
	// 偶发的记录不一致则被容忍。
	PollMaxConsecutiveErrors int

	// ImmediateCheckDelay 是触发后的一次性即时检查延迟。
	ImmediateCheckDelay time.Duration
	// QuickCheckDelays 是前 30 秒内若干次一次性快速检查的偏移。
	QuickCheckDelays []time.Duration

	// ProgressTick / ProgressRamp 控制处理阶段的乐观进度推进：
	// 每个 tick 按墙钟时间把进度从触发后的水位线匀速推向 100。
	ProgressTick time.Duration
	ProgressRamp time.Duration

	// StuckGracePeriod 是"进度卡在 100"兜底的宽限期。
	StuckGracePeriod time.Duration
	// HardDeadline 是单次尝试的完成检测硬上限，超过即视为超时。
	HardDeadline time.Duration
	// AttemptTimeout 包住整个 上传+触发+检测 序列，必须不小于
	// HardDeadline 的最坏情况，否则会对检测器即将成功解决的条目误触发重试。
	AttemptTimeout time.Duration

	// MaxAutoRetries / RetryBaseDelay 控制超时重试：
	// 第 k 次重试前等待 RetryBaseDelay×2^(k-1)。
	MaxAutoRetries int
	RetryBaseDelay time.Duration
	// RetryResetProgress 是重试开始时进度重置到的小正值。
	RetryResetProgress int

	// AggregateInterval 是批次总进度的重算周期。
	AggregateInterval time.Duration

	// 入队校验参数。
	AllowedExtensions []string
	MaxFileSize       int64
}

// withDefaults 返回一份填充了参考默认值的配置副本。
func (c Config) withDefaults() Config {
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = 1
	}
	if c.InterItemDelay <= 0 {
		c.InterItemDelay = 300 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.PollMaxAttempts <= 0 {
		c.PollMaxAttempts = 150
	}
	if c.PollMaxConsecutiveErrors <= 0 {
		c.PollMaxConsecutiveErrors = 5
	}
	if c.ImmediateCheckDelay <= 0 {
		c.ImmediateCheckDelay = 2 * time.Second
	}
	if c.QuickCheckDelays == nil {
		c.QuickCheckDelays = []time.Duration{
			5 * time.Second,
			10 * time.Second,
			20 * time.Second,
			30 * time.Second,
		}
	}
	if c.ProgressTick <= 0 {
		c.ProgressTick = time.Second
	}
	if c.ProgressRamp <= 0 {
		c.ProgressRamp = 90 * time.Second
	}
	if c.StuckGracePeriod <= 0 {
		c.StuckGracePeriod = 45 * time.Second
	}
	if c.HardDeadline <= 0 {
		c.HardDeadline = 8 * time.Minute
	}
	if c.AttemptTimeout < c.HardDeadline {
		c.AttemptTimeout = c.HardDeadline + time.Minute
	}
	if c.MaxAutoRetries <= 0 {
		c.MaxAutoRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 30 * time.Second
	}
	if c.RetryResetProgress <= 0 {
		c.RetryResetProgress = 5
	}
	if c.AggregateInterval <= 0 {
		c.AggregateInterval = time.Second
	}
	if c.AllowedExtensions == nil {
		c.AllowedExtensions = []string{".jpg", ".jpeg", ".png", ".webp", ".heic", ".pdf"}
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 10 * 1024 * 1024
	}
	return c
}

// retryDelay 计算第 k 次（1 起）自动重试前的等待时间：base×2^(k-1)。
func retryDelay(base time.Duration, k int) time.Duration {
	if k < 1 {
		k = 1
	}
	return base << uint(k-1)
}
