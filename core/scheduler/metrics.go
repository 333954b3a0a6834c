package scheduler

import (
	"time"

	"charlora/core/models"
)

// Metrics receives pipeline counters from the manager
type Metrics interface {
	JobSubmitted()
	StageEntered(stage models.Stage)
	StageFinished(stage models.Stage, elapsed time.Duration)
	JobFinished(stage models.Stage, kind models.ErrorKind)
	SetQueueDepth(n int)
	SetTrainingActive(active bool)
}

type noopMetrics struct{}

func (noopMetrics) JobSubmitted()                             {}
func (noopMetrics) StageEntered(models.Stage)                 {}
func (noopMetrics) StageFinished(models.Stage, time.Duration) {}
func (noopMetrics) JobFinished(models.Stage, models.ErrorKind) {}
func (noopMetrics) SetQueueDepth(int)                         {}
func (noopMetrics) SetTrainingActive(bool)                    {}
