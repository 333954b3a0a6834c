package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"charlora/training/frameworks"
)

// LogFunc receives process output one line at a time, in arrival order.
type LogFunc func(line string)

// maxLineBytes bounds one log line. Longer lines are split, never dropped.
const maxLineBytes = 1 << 20

// Process is a running training process started by a Backend.
type Process interface {
	// Output yields stdout and stderr interleaved as the process wrote them.
	// It reaches EOF when the process exits.
	Output() io.Reader
	// Wait blocks until the process exits. A non-zero exit is an *ExitError.
	Wait() error
}

// Launch describes one training run handed to a Backend. Directories are
// local paths; BaseModel is the configured path where training runs.
type Launch struct {
	JobID      string
	DatasetDir string
	OutputDir  string
	BaseModel  string
}

// Backend runs training somewhere: a local container or a remote host.
type Backend interface {
	Name() string
	// Ping verifies the backend's prerequisite responds.
	Ping(ctx context.Context) error
	// FileSize stats a file where training runs.
	FileSize(ctx context.Context, path string) (int64, error)
	// Stage makes the dataset and output directories visible to the training
	// process and returns the paths it must use.
	Stage(ctx context.Context, l Launch) (frameworks.TrainingPaths, error)
	// Start launches the command. Cancelling ctx terminates the process.
	Start(ctx context.Context, l Launch, cmd *frameworks.TrainingCommand) (Process, error)
	// Collect brings training output back into l.OutputDir.
	Collect(ctx context.Context, l Launch, paths frameworks.TrainingPaths) error
}

// ExitError reports a process that exited with a non-zero status.
type ExitError struct {
	Code int // -1 when killed by a signal
}

func (e *ExitError) Error() string {
	if e.Code < 0 {
		return "process was killed"
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// StreamLines reads r to EOF and passes every line to fn. Lines end at "\n",
// "\r\n" or a lone "\r" (progress bars redraw with carriage returns).
func StreamLines(r io.Reader, fn LogFunc) error {
	for {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		sc.Split(logLineSplitter())
		for sc.Scan() {
			fn(strings.ToValidUTF8(sc.Text(), "�"))
		}
		err := sc.Err()
		if errors.Is(err, bufio.ErrTooLong) {
			// a fresh scanner picks up at the next unread byte
			continue
		}
		if err != nil {
			// keep the pipe drained so the writer is not blocked on a full buffer
			_, _ = io.Copy(io.Discard, r)
			return err
		}
		return nil
	}
}

// logLineSplitter returns a split func for StreamLines. A full buffer always
// yields a token, so no line outgrows maxLineBytes.
func logLineSplitter() bufio.SplitFunc {
	skipLF := false
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if skipLF && len(data) > 0 {
			skipLF = false
			if data[0] == '\n' {
				return 1, nil, nil
			}
		}
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		full := len(data) >= maxLineBytes
		if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
			if data[i] == '\n' {
				return i + 1, data[:i], nil
			}
			if i+1 < len(data) {
				if data[i+1] == '\n' {
					return i + 2, data[:i], nil
				}
				return i + 1, data[:i], nil
			}
			if !atEOF {
				if !full {
					// need one more byte to tell "\r" from "\r\n"
					return 0, nil, nil
				}
				// the "\n" of a split "\r\n" arrives with the next read
				skipLF = true
			}
			return i + 1, data[:i], nil
		}
		if atEOF || full {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}
