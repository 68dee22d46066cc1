package activedoc

import (
	"fmt"
	"math"
	"runtime/debug"
	"time"
)

// Limits bounds the work done by a single refresh.
type Limits struct {
	MaxRules          int           `yaml:"max_rules" validate:"gte=1"`          // Rules beyond this index are dropped
	MaxFileSize       int64         `yaml:"max_file_size" validate:"gte=1"`      // Larger sources are skipped
	MaxEvaluationTime time.Duration `yaml:"max_evaluation_time" validate:"gt=0"` // Per provider call
	MaxConcurrency    int           `yaml:"max_concurrency" validate:"gte=1"`    // Concurrent rule/file evaluations
	MaxMemory         int64         `yaml:"max_memory" validate:"gte=0"`         // Bytes; 0 leaves the runtime unlimited
}

// DefaultLimits returns reasonable default limits
func DefaultLimits() Limits {
	return Limits{
		MaxRules:          500,
		MaxFileSize:       2 * 1024 * 1024, // 2MB
		MaxEvaluationTime: 10 * time.Second,
		MaxConcurrency:    8,
	}
}

// String formats the limits for startup logging.
func (l Limits) String() string {
	return fmt.Sprintf("rules=%d file_size=%d eval_time=%s concurrency=%d memory=%d",
		l.MaxRules, l.MaxFileSize, l.MaxEvaluationTime, l.MaxConcurrency, l.MaxMemory)
}

// withDefaults replaces unset fields with their defaults.
func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxRules <= 0 {
		l.MaxRules = d.MaxRules
	}
	if l.MaxFileSize <= 0 {
		l.MaxFileSize = d.MaxFileSize
	}
	if l.MaxEvaluationTime <= 0 {
		l.MaxEvaluationTime = d.MaxEvaluationTime
	}
	if l.MaxConcurrency <= 0 {
		l.MaxConcurrency = d.MaxConcurrency
	}
	return l
}

// ApplyMemoryLimit sets the runtime soft memory limit to 90% of MaxMemory so
// the GC works harder before the process reaches it. It returns the previous
// limit. A zero MaxMemory removes any limit.
func (l Limits) ApplyMemoryLimit() int64 {
	if l.MaxMemory <= 0 {
		return debug.SetMemoryLimit(math.MaxInt64)
	}
	return debug.SetMemoryLimit(l.MaxMemory / 10 * 9)
}
