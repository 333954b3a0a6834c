package monitoring

import (
	"regexp"
	"strconv"
)

// ProgressState is the estimator's memory between updates. The zero value is
// the state before any line was seen.
type ProgressState struct {
	TotalEpochs     int // 0 until a total is declared
	CompletedEpochs int
	Progress        float64
}

var (
	// "total epochs: 2" or kohya's "num epochs / epoch数: 2"
	totalEpochsPattern = regexp.MustCompile(`(?i)(?:total\s+epochs|num\s+epochs)[^:\n]*:\s*(\d+)`)
	epochDonePattern   = regexp.MustCompile(`(?i)epoch\s+is\s+incremented`)
)

// UpdateProgress folds newly observed log lines into state and returns the new
// state together with its progress fraction.
//
// It is a best-effort heuristic over free-text output: the first total-epochs
// declaration wins, each completion marker counts one epoch, and progress stays
// 0 until a total is known. Progress never decreases. Callers must not gate
// success or failure on it.
func UpdateProgress(state ProgressState, lines []string) (ProgressState, float64) {
	for _, line := range lines {
		if state.TotalEpochs == 0 {
			if m := totalEpochsPattern.FindStringSubmatch(line); m != nil {
				if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
					state.TotalEpochs = n
				}
			}
		}
		if epochDonePattern.MatchString(line) {
			state.CompletedEpochs++
		}
	}

	if state.TotalEpochs > 0 {
		p := float64(state.CompletedEpochs) / float64(state.TotalEpochs)
		p = min(max(p, 0), 1)
		if p > state.Progress {
			state.Progress = p
		}
	}
	return state, state.Progress
}
