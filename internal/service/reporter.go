package service

import (
	"github.com/reward-airdrop/internal/models"
	"github.com/reward-airdrop/internal/types"
)

// Reporter receives the log lines and progress of a long-running operation.
// Implementations must not block.
type Reporter interface {
	Log(level types.LogLevel, message string)
	Progress(progress models.JobProgress)
}

type nopReporter struct{}

func (nopReporter) Log(types.LogLevel, string)  {}
func (nopReporter) Progress(models.JobProgress) {}

func reporterOrNop(r Reporter) Reporter {
	if r == nil {
		return nopReporter{}
	}
	return r
}

// NewProgress builds a progress value with the percentage derived from current/total
func NewProgress(stage string, current, total int64) models.JobProgress {
	p := models.JobProgress{Stage: stage, Current: current, Total: total}
	if total > 0 {
		p.Percentage = float64(current) * 100 / float64(total)
		if p.Percentage > 100 {
			p.Percentage = 100
		}
	}
	return p
}
