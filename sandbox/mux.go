package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// streamFrame is one demultiplexed read from an exec stream. A nil slice
// marks an absent position; a non-nil empty slice is a present, empty chunk.
// A frame may carry a value on one position, both, or neither.
type streamFrame struct {
	stdout []byte
	stderr []byte
}

const (
	channelStdout = "stdout"
	channelStderr = "stderr"
)

// errStreamAborted is handed to the demultiplexer once the consumer stopped
// reading, so its copy loop unwinds instead of blocking on a dead channel.
var errStreamAborted = errors.New("stream consumer stopped")

// frameWriter adapts one channel of a demultiplexed exec stream to the frame
// channel consumed by consumeFrames. Write copies p because demultiplexers
// reuse their buffer between calls.
type frameWriter struct {
	frames chan<- streamFrame
	done   <-chan struct{}
	stderr bool
}

func (w *frameWriter) Write(p []byte) (int, error) {
	chunk := make([]byte, len(p))
	copy(chunk, p)

	var frame streamFrame
	if w.stderr {
		frame.stderr = chunk
	} else {
		frame.stdout = chunk
	}

	select {
	case w.frames <- frame:
		return len(p), nil
	case <-w.done:
		return 0, errStreamAborted
	}
}

// consumeFrames drains frames strictly in arrival order, accumulating each
// present position and invoking the matching callback synchronously with
// exactly that decoded chunk. Absent positions are skipped silently. A
// panicking callback is recovered and logged here; it neither aborts the
// remaining iteration nor rolls back output already accumulated.
//
// The liveness bound applies between consecutive frames. On expiry, or when
// ctx is done, iteration aborts: partial output is discarded and
// ErrExecutionTimeout (or the context error) is returned. These are the only
// failures this loop does not swallow.
func consumeFrames(ctx context.Context, logger *zap.Logger, frames <-chan streamFrame, liveness time.Duration, onStdout, onStderr StreamCallback) (string, string, error) {
	var stdoutBuf, stderrBuf strings.Builder

	var timeoutC <-chan time.Time
	var timer *time.Timer
	if liveness > 0 {
		timer = time.NewTimer(liveness)
		defer timer.Stop()
		timeoutC = timer.C
	}

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return stdoutBuf.String(), stderrBuf.String(), nil
			}
			if frame.stdout != nil {
				chunk := string(frame.stdout)
				stdoutBuf.WriteString(chunk)
				invokeCallback(logger, channelStdout, onStdout, chunk)
			}
			if frame.stderr != nil {
				chunk := string(frame.stderr)
				stderrBuf.WriteString(chunk)
				invokeCallback(logger, channelStderr, onStderr, chunk)
			}
			if timer != nil {
				timer.Reset(liveness)
			}

		case <-timeoutC:
			return "", "", fmt.Errorf("no output for %s: %w", liveness, ErrExecutionTimeout)

		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", "", fmt.Errorf("%w: %v", ErrExecutionTimeout, ctx.Err())
			}
			return "", "", ctx.Err()
		}
	}
}

// invokeCallback delivers one chunk to cb, swallowing and logging a panic so
// a faulty callback cannot corrupt output accumulation or stop delivery of
// later chunks.
func invokeCallback(logger *zap.Logger, channel string, cb StreamCallback, chunk string) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("stream callback panicked",
				zap.String("channel", channel),
				zap.Any("panic", r))
		}
	}()
	cb(chunk)
}
