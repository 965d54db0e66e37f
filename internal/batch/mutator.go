// Package batch applies label mutations to large id sets in provider-sized chunks.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bradenaw/juniper/xslices"

	"github.com/joshsymonds/mailsweep/internal/gmail"
	"github.com/joshsymonds/mailsweep/internal/rate"
)

// Gmail caps batchModify requests; flag mutations are kept smaller because
// they are the ones most often rejected under load.
const (
	FlagChunkSize  = 100
	LabelChunkSize = 1000
)

// Throttle defaults: pause 500ms after every fifth chunk.
const (
	DefaultThrottleEvery = 5
	DefaultThrottleDelay = 500 * time.Millisecond
)

// Result aggregates a whole Apply call.
type Result struct {
	Affected int
	Chunks   int
	Errors   []string
}

// Mutator issues batchModify calls.
type Mutator struct {
	Client        gmail.Client
	Limiter       rate.Limiter
	Logger        *slog.Logger
	Sleep         func(ctx context.Context, d time.Duration) error
	ThrottleEvery int
	ThrottleDelay time.Duration
}

// NewMutator returns a Mutator with the default throttle policy.
func NewMutator(client gmail.Client, limiter rate.Limiter, logger *slog.Logger) *Mutator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Mutator{
		Client:        client,
		Limiter:       limiter,
		Logger:        logger,
		Sleep:         SleepContext,
		ThrottleEvery: DefaultThrottleEvery,
		ThrottleDelay: DefaultThrottleDelay,
	}
}

// Apply partitions ids into chunks of chunkSize and mutates each one. A failed
// chunk is recorded and the remaining chunks are still attempted. onProgress,
// when set, runs after every successful chunk with the running affected count.
func (m *Mutator) Apply(
	ctx context.Context,
	ids []gmail.MessageID,
	ops gmail.ModifyOps,
	chunkSize int,
	onProgress func(affected, total int),
) Result {
	if chunkSize <= 0 {
		chunkSize = FlagChunkSize
	}
	chunks := xslices.Chunk(ids, chunkSize)
	res := Result{Chunks: len(chunks)}
	for i, chunk := range chunks {
		if err := m.modify(ctx, chunk, ops); err != nil {
			m.logger().WarnContext(ctx, "batch modify failed",
				slog.Int("chunk", i+1),
				slog.Int("chunks", len(chunks)),
				slog.Int("size", len(chunk)),
				slog.Any("error", err),
			)
			res.Errors = append(res.Errors, fmt.Sprintf("chunk %d/%d: %v", i+1, len(chunks), err))
		} else {
			res.Affected += len(chunk)
			if onProgress != nil {
				onProgress(res.Affected, len(ids))
			}
		}
		if m.shouldPause(i, len(chunks)) {
			if err := m.pause(ctx); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("throttle: %v", err))
			}
		}
	}
	return res
}

func (m *Mutator) modify(ctx context.Context, ids []gmail.MessageID, ops gmail.ModifyOps) error {
	if err := rate.Wait(ctx, m.Limiter, "rate limit batch modify"); err != nil {
		return err
	}
	if err := m.Client.BatchModify(ctx, ids, ops); err != nil {
		return fmt.Errorf("batch modify: %w", err)
	}
	return nil
}

// shouldPause reports whether a pause follows chunk i (0-based). There is no
// pause after the final chunk.
func (m *Mutator) shouldPause(i, total int) bool {
	if m.ThrottleEvery <= 0 || m.ThrottleDelay <= 0 {
		return false
	}
	return (i+1)%m.ThrottleEvery == 0 && i+1 < total
}

func (m *Mutator) pause(ctx context.Context) error {
	sleep := m.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	return sleep(ctx, m.ThrottleDelay)
}

func (m *Mutator) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return m.Logger
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
