// Package ops runs bulk mailbox operations and publishes their progress.
//
// Every operation follows the same shape: validate, obtain a client, discover
// message ids through paginated search, then mutate them in chunks. The
// operation's progress.Tracker always ends with Done set, whatever happens.
package ops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joshsymonds/mailsweep/internal/batch"
	"github.com/joshsymonds/mailsweep/internal/gmail"
	"github.com/joshsymonds/mailsweep/internal/progress"
	"github.com/joshsymonds/mailsweep/internal/rate"
	"github.com/joshsymonds/mailsweep/internal/scan"
	"github.com/joshsymonds/mailsweep/internal/search"
	"github.com/joshsymonds/mailsweep/internal/unsubscribe"
)

var (
	// ErrValidation marks requests rejected before any provider call.
	ErrValidation = errors.New("invalid request")
	// ErrAuth marks a missing or unusable Gmail client.
	ErrAuth = errors.New("gmail client unavailable")
)

// maxReportedErrors bounds the per-unit errors copied into Status.Error.
const maxReportedErrors = 3

// ClientFunc yields a ready Gmail client or the reason none is available.
type ClientFunc func(ctx context.Context) (gmail.Client, error)

// StaticClient wraps an already-built client.
func StaticClient(c gmail.Client) ClientFunc {
	return func(context.Context) (gmail.Client, error) { return c, nil }
}

// Engine executes operations. One Engine serves the whole process.
type Engine struct {
	Clients       ClientFunc
	Registry      *progress.Registry
	Limiter       rate.Limiter
	Logger        *slog.Logger
	Clock         func() time.Time
	Sleep         func(ctx context.Context, d time.Duration) error
	ThrottleDelay time.Duration
	MaxPages      int
	Unsubscriber  Unsubscriber

	wg sync.WaitGroup

	mu      sync.Mutex
	csv     []byte
	senders map[progress.Kind][]scan.SenderStat
}

// NewEngine constructs an Engine with default throttling and a fresh registry.
func NewEngine(clients ClientFunc, limiter rate.Limiter, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Engine{
		Clients:       clients,
		Registry:      progress.NewRegistry(time.Now),
		Limiter:       limiter,
		Logger:        logger,
		Clock:         time.Now,
		Sleep:         batch.SleepContext,
		ThrottleDelay: batch.DefaultThrottleDelay,
		MaxPages:      search.DefaultMaxPages,
		Unsubscriber:  unsubscribe.New(),
		senders:       map[progress.Kind][]scan.SenderStat{},
	}
}

// Status returns a snapshot of kind's progress.
func (e *Engine) Status(kind progress.Kind) progress.Status {
	return e.Registry.Snapshot(kind)
}

// Reset returns kind to its running defaults.
func (e *Engine) Reset(kind progress.Kind) {
	e.Registry.Tracker(kind).Reset()
}

// Start runs fn on a detached goroutine and returns immediately. The run is
// not canceled when ctx (usually an HTTP request context) ends. The tracker is
// reset before Start returns and the run keeps that run id, so a poller never
// sees the previous run's terminal status or a second id for this run.
func (e *Engine) Start(ctx context.Context, kind progress.Kind, fn func(context.Context) progress.Status) {
	tr := e.Registry.Tracker(kind)
	if prev := tr.Snapshot(); prev.Running() {
		e.logger().WarnContext(ctx, "replacing running operation",
			slog.String("op", string(kind)),
			slog.String("run", prev.RunID),
		)
	}
	runID := tr.Reset()
	tr.SetPhase(0, "Starting...")
	detached := context.WithValue(context.WithoutCancel(ctx), runIDKey{}, startedRun{kind: kind, id: runID})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(detached)
	}()
}

// Wait blocks until every started operation has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

type runIDKey struct{}

// startedRun is the run Start already reset a tracker for.
type startedRun struct {
	kind progress.Kind
	id   string
}

// claimRun returns the run id Start prepared for kind, or resets the tracker
// for a fresh run when there is none or another run has since replaced it.
func claimRun(ctx context.Context, tr *progress.Tracker, kind progress.Kind) string {
	if sr, ok := ctx.Value(runIDKey{}).(startedRun); ok && sr.kind == kind && tr.Snapshot().RunID == sr.id {
		return sr.id
	}
	return tr.Reset()
}

// run carries the per-invocation collaborators of one operation.
type run struct {
	kind     progress.Kind
	tracker  *progress.Tracker
	client   gmail.Client
	limiter  rate.Limiter
	searcher *search.Searcher
	mutator  *batch.Mutator
	logger   *slog.Logger
	errs     []string
}

// body performs the operation and returns the final summary message. A
// returned error is fatal for the whole run; per-unit failures go to r.errs.
type body func(ctx context.Context, r *run) (string, error)

// execute claims kind's tracker for a new run and drives body to a terminal status. invalid,
// when non-nil, ends the run before any provider call.
func (e *Engine) execute(ctx context.Context, kind progress.Kind, invalid error, fn body) (st progress.Status) {
	tr := e.Registry.Tracker(kind)
	runID := claimRun(ctx, tr, kind)
	logger := e.logger().With(slog.String("op", string(kind)), slog.String("run", runID))

	defer func() {
		if rec := recover(); rec != nil {
			logger.ErrorContext(ctx, "operation panicked", slog.Any("panic", rec))
			tr.Fail(fmt.Errorf("internal error: %v", rec))
		}
		if !tr.Snapshot().Done {
			tr.Fail(errors.New("operation ended without a result"))
		}
		st = tr.Snapshot()
		logger.InfoContext(ctx, "operation finished",
			slog.Bool("ok", st.Error == ""),
			slog.Int("affected", st.AffectedCount),
			slog.String("message", st.Message),
		)
	}()

	if invalid != nil {
		logger.WarnContext(ctx, "operation rejected", slog.Any("error", invalid))
		tr.Fail(invalid)
		return st
	}

	tr.SetPhase(0, "Connecting to Gmail...")
	client, err := e.client(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "gmail client unavailable", slog.Any("error", err))
		tr.Fail(err)
		return st
	}

	r := &run{
		kind:     kind,
		tracker:  tr,
		client:   client,
		limiter:  e.Limiter,
		searcher: e.searcher(client),
		mutator:  e.mutator(client),
		logger:   logger,
	}
	logger.InfoContext(ctx, "operation started")
	msg, err := fn(ctx, r)
	if err != nil {
		logger.ErrorContext(ctx, "operation failed", slog.Any("error", err))
		tr.Fail(err)
		return st
	}
	tr.SetPhase(100, msg)
	tr.Finish(msg, summarize(r.errs))
	return st
}

func (e *Engine) client(ctx context.Context) (gmail.Client, error) {
	if e.Clients == nil {
		return nil, fmt.Errorf("%w: no credential provider configured", ErrAuth)
	}
	c, err := e.Clients(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuth, err)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: credential provider returned no client", ErrAuth)
	}
	return c, nil
}

func (e *Engine) searcher(client gmail.Client) *search.Searcher {
	s := search.New(client, e.Limiter)
	if e.MaxPages > 0 {
		s.MaxPages = e.MaxPages
	}
	return s
}

func (e *Engine) mutator(client gmail.Client) *batch.Mutator {
	m := batch.NewMutator(client, e.Limiter, e.logger())
	if e.Sleep != nil {
		m.Sleep = e.Sleep
	}
	m.ThrottleDelay = e.ThrottleDelay
	return m
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return e.Logger
}

func (e *Engine) now() time.Time {
	if e.Clock == nil {
		return time.Now()
	}
	return e.Clock()
}

// summarize renders per-unit errors as the terminal Status.Error. The
// "Some errors" prefix tells a partial success apart from a fatal failure.
func summarize(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	shown := errs
	if len(shown) > maxReportedErrors {
		shown = shown[:maxReportedErrors]
	}
	msg := "Some errors: " + strings.Join(shown, "; ")
	if extra := len(errs) - len(shown); extra > 0 {
		msg += fmt.Sprintf(" (and %d more)", extra)
	}
	return msg
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// cleanSenders trims senders and drops blanks, keeping input order.
func cleanSenders(senders []string) []string {
	out := make([]string, 0, len(senders))
	for _, s := range senders {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
