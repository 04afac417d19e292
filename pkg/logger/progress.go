package logger

import (
	"fmt"
	"sync"
	"time"
)

// ProgressTracker logs progress of a batch at a fixed interval
type ProgressTracker struct {
	logger      Logger
	operation   string
	total       int64
	current     int64
	failed      int64
	startTime   time.Time
	lastLogTime time.Time
	logInterval time.Duration
	mutex       sync.Mutex
}

// ProgressConfig configures progress tracking behavior
type ProgressConfig struct {
	Operation   string
	Total       int64
	LogInterval time.Duration
	Logger      Logger
}

// ProgressStats contains progress statistics
type ProgressStats struct {
	Operation string        `json:"operation"`
	Total     int64         `json:"total"`
	Current   int64         `json:"current"`
	Failed    int64         `json:"failed"`
	Duration  time.Duration `json:"duration"`
	Rate      float64       `json:"rate"`
}

// NewProgressTracker creates a new progress tracker
func NewProgressTracker(config ProgressConfig) *ProgressTracker {
	if config.Logger == nil {
		config.Logger = GetGlobalLogger()
	}
	if config.LogInterval == 0 {
		config.LogInterval = 5 * time.Second
	}

	now := time.Now()
	tracker := &ProgressTracker{
		logger:      config.Logger.WithComponent("progress"),
		operation:   config.Operation,
		total:       config.Total,
		startTime:   now,
		lastLogTime: now,
		logInterval: config.LogInterval,
	}

	tracker.logger.WithFields(Fields{
		"operation": config.Operation,
		"total":     config.Total,
	}).Info("Starting operation")

	return tracker
}

// Increment records one processed item, counting it as failed when ok is false
func (p *ProgressTracker) Increment(ok bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.current++
	if !ok {
		p.failed++
	}

	now := time.Now()
	if now.Sub(p.lastLogTime) >= p.logInterval {
		p.logger.WithFields(p.fieldsLocked(now)).Info("Progress update")
		p.lastLogTime = now
	}
}

// Complete logs final statistics
func (p *ProgressTracker) Complete() ProgressStats {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	now := time.Now()
	p.logger.WithFields(p.fieldsLocked(now)).Info("Operation completed")
	return p.statsLocked(now)
}

// Stats returns current progress statistics
func (p *ProgressTracker) Stats() ProgressStats {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.statsLocked(time.Now())
}

func (p *ProgressTracker) statsLocked(now time.Time) ProgressStats {
	duration := now.Sub(p.startTime)
	var rate float64
	if duration.Seconds() > 0 {
		rate = float64(p.current) / duration.Seconds()
	}
	return ProgressStats{
		Operation: p.operation,
		Total:     p.total,
		Current:   p.current,
		Failed:    p.failed,
		Duration:  duration,
		Rate:      rate,
	}
}

func (p *ProgressTracker) fieldsLocked(now time.Time) Fields {
	stats := p.statsLocked(now)
	fields := Fields{
		"operation": p.operation,
		"processed": stats.Current,
		"failed":    stats.Failed,
		"rate":      fmt.Sprintf("%.2f/sec", stats.Rate),
		"duration":  stats.Duration.String(),
	}
	if p.total > 0 {
		fields["total"] = p.total
		fields["percentage"] = fmt.Sprintf("%.1f%%", float64(stats.Current)/float64(p.total)*100)
	}
	return fields
}

// String returns a human-readable representation of the progress
func (ps ProgressStats) String() string {
	if ps.Total > 0 {
		return fmt.Sprintf("%s: %d/%d (%d failed) at %.2f/sec",
			ps.Operation, ps.Current, ps.Total, ps.Failed, ps.Rate)
	}
	return fmt.Sprintf("%s: %d processed (%d failed) in %v",
		ps.Operation, ps.Current, ps.Failed, ps.Duration)
}

// TimedOperation executes fn and logs its duration and outcome
func TimedOperation(operation string, log Logger, fn func() error) error {
	if log == nil {
		log = GetGlobalLogger()
	}
	start := time.Now()
	err := fn()

	fields := Fields{
		"operation": operation,
		"duration":  time.Since(start).String(),
	}
	if err != nil {
		fields["status"] = "error"
		log.WithError(err).WithFields(fields).Error("Operation failed")
	} else {
		fields["status"] = "success"
		log.WithFields(fields).Debug("Operation completed")
	}
	return err
}
