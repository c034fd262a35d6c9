package main

import (
	"reflect"
	"testing"
	"time"

	"receipt-flow-go/internal/config"
)

func TestPipelineConfigMapsAllBatchFields(t *testing.T) {
	b := config.BatchConfig{
		MaxConcurrent:            2,
		InterItemDelay:           150 * time.Millisecond,
		PollInterval:             4 * time.Second,
		PollMaxAttempts:          120,
		PollMaxConsecutiveErrors: 7,
		ImmediateCheckDelay:      3 * time.Second,
		QuickCheckDelays:         []time.Duration{6 * time.Second, 12 * time.Second},
		ProgressTick:             2 * time.Second,
		ProgressRamp:             60 * time.Second,
		StuckGracePeriod:         30 * time.Second,
		HardDeadline:             5 * time.Minute,
		AttemptTimeout:           6 * time.Minute,
		MaxAutoRetries:           4,
		RetryBaseDelay:           20 * time.Second,
		RetryResetProgress:       3,
		AggregateInterval:        500 * time.Millisecond,
		AllowedExtensions:        []string{".jpg", ".pdf"},
		MaxFileSize:              1 << 20,
	}

	got := pipelineConfig(b)

	if got.MaxConcurrent != b.MaxConcurrent ||
		got.InterItemDelay != b.InterItemDelay ||
		got.PollInterval != b.PollInterval ||
		got.PollMaxAttempts != b.PollMaxAttempts ||
		got.PollMaxConsecutiveErrors != b.PollMaxConsecutiveErrors ||
		got.ImmediateCheckDelay != b.ImmediateCheckDelay ||
		!reflect.DeepEqual(got.QuickCheckDelays, b.QuickCheckDelays) ||
		got.ProgressTick != b.ProgressTick ||
		got.ProgressRamp != b.ProgressRamp ||
		got.StuckGracePeriod != b.StuckGracePeriod ||
		got.HardDeadline != b.HardDeadline ||
		got.AttemptTimeout != b.AttemptTimeout ||
		got.MaxAutoRetries != b.MaxAutoRetries ||
		got.RetryBaseDelay != b.RetryBaseDelay ||
		got.RetryResetProgress != b.RetryResetProgress ||
		got.AggregateInterval != b.AggregateInterval ||
		!reflect.DeepEqual(got.AllowedExtensions, b.AllowedExtensions) ||
		got.MaxFileSize != b.MaxFileSize {
		t.Fatalf("映射结果不符:\n  got  %+v\n  want %+v", got, b)
	}
}
