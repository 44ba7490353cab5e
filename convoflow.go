// Package convoflow ties the context pipeline together behind one engine.
//
// Usage:
//
//	import "github.com/convoflow-dev/convoflow"
//
//	eng, err := convoflow.New(nil, convoflow.WithStore(myStore))
//	msgs, err := eng.RunTurn(ctx, sessionID, "find the report from last week")
//
// Every turn runs under a per-session advisory lock so assembly and
// compression never race for the same conversation.
package convoflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/convoflow-dev/convoflow/assemble"
	"github.com/convoflow-dev/convoflow/budget"
	"github.com/convoflow-dev/convoflow/compress"
	"github.com/convoflow-dev/convoflow/config"
	"github.com/convoflow-dev/convoflow/internal/metrics"
	"github.com/convoflow-dev/convoflow/persona"
	"github.com/convoflow-dev/convoflow/recall"
	"github.com/convoflow-dev/convoflow/session"
	"github.com/convoflow-dev/convoflow/tokenizer"
	"github.com/convoflow-dev/convoflow/types"
)

// lockIdleTimeout is how long an unused session lock survives before
// PruneLocks may reclaim it.
const lockIdleTimeout = 30 * time.Minute

// Option configures the engine created by [New].
type Option func(*Engine)

// WithStore sets the session store. Defaults to an in-process map store.
func WithStore(s session.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithSummarizer sets the summarizer used by the compression cycle.
// Defaults to [compress.Fallback].
func WithSummarizer(s compress.Summarizer) Option {
	return func(e *Engine) { e.summarizer = s }
}

// WithRecaller sets the long-term memory recaller. Defaults to none; the
// recall layer is then skipped.
func WithRecaller(r recall.Recaller) Option {
	return func(e *Engine) { e.recaller = r }
}

// WithPersona sets the persona source. Defaults to a file source rooted
// at the configured workspace.
func WithPersona(src persona.Source) Option {
	return func(e *Engine) { e.personaSrc = src }
}

// WithLogger sets a custom zap logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics sets the Prometheus collector. Defaults to none.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// sessionLock serializes turns for one session.
type sessionLock struct {
	mu       sync.Mutex
	lastUsed time.Time
}

// Engine runs the full turn cycle: append, assemble, compress when due.
// It is safe for concurrent use; operations on the same session are
// serialized, operations on different sessions proceed in parallel.
type Engine struct {
	cfg        *config.Config
	store      session.Store
	budget     *budget.Budgeter
	assembler  *assemble.Assembler
	scheduler  *compress.Scheduler
	summarizer compress.Summarizer
	recaller   recall.Recaller
	personaSrc persona.Source
	metrics    *metrics.Collector
	log        *zap.Logger
	tracer     trace.Tracer

	mu    sync.Mutex
	locks map[string]*sessionLock
}

// New creates an Engine from cfg. A nil cfg selects the defaults.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		log:    zap.NewNop(),
		tracer: otel.Tracer("convoflow"),
		locks:  make(map[string]*sessionLock),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.store == nil {
		e.store = session.NewMemoryStore()
	}
	if e.summarizer == nil {
		e.summarizer = compress.Fallback{}
	}
	if e.personaSrc == nil {
		e.personaSrc = persona.NewFileSource(cfg.Workspace, e.log)
	}

	e.budget = budget.New(tokenizer.ForModelOrEstimator(cfg.Model))

	e.assembler = assemble.New(assemble.Config{
		MaxContextTokens:    cfg.Context.MaxContextTokens,
		MaxSummaryTokens:    cfg.Context.MaxSummaryTokens,
		KeepRecentMessages:  cfg.Context.KeepRecentMessages,
		MaxToolOutputTokens: cfg.Context.MaxToolOutputTokens,
		Recall: recall.Config{
			MaxResults:   cfg.Recall.MaxResults,
			MaxTokens:    cfg.Recall.MaxTokens,
			IncludeDaily: cfg.Recall.IncludeDaily,
		},
	}, e.budget, e.personaSrc, e.recaller, e.log)
	if e.metrics != nil {
		e.assembler.SetMetrics(e.metrics)
	}

	e.scheduler = compress.NewScheduler(compress.Config{
		KeepRecentMessages: cfg.Context.KeepRecentMessages,
		MaxSummaryTokens:   cfg.Context.MaxSummaryTokens,
		SnippetTokens:      cfg.Compression.SnippetTokens,
		SummarizeTimeout:   cfg.Compression.SummarizeTimeout,
		MinInterval:        cfg.Compression.MinInterval,
	}, e.budget, e.log)

	return e, nil
}

// StartSession creates and persists a fresh session. An empty id gets a
// generated UUID. Returns the stored session.
func (e *Engine) StartSession(ctx context.Context, id string) (*types.Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	s := types.NewSession(id)
	s.Model = e.cfg.Model

	l := e.acquire(id)
	defer l.mu.Unlock()

	if err := e.store.Save(ctx, s); err != nil {
		e.recordStoreError("save")
		return nil, err
	}
	return s, nil
}

// Session loads a stored session.
func (e *Engine) Session(ctx context.Context, sessionID string) (*types.Session, error) {
	s, err := e.store.Get(ctx, sessionID)
	if err != nil {
		e.recordStoreError("get")
		return nil, err
	}
	return s, nil
}

// Append atomically adds one message to a session's history.
func (e *Engine) Append(ctx context.Context, sessionID string, msg types.Message) error {
	l := e.acquire(sessionID)
	defer l.mu.Unlock()

	if err := e.store.AppendMessage(ctx, sessionID, msg); err != nil {
		e.recordStoreError("append")
		return err
	}
	return nil
}

// BuildTurn assembles the prompt window for the session's next model call.
// The session is not modified.
func (e *Engine) BuildTurn(ctx context.Context, sessionID string) ([]types.Message, error) {
	ctx, span := e.tracer.Start(ctx, "convoflow.build_turn",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	l := e.acquire(sessionID)
	defer l.mu.Unlock()

	return e.buildLocked(ctx, sessionID)
}

// CompressIfDue runs one compression cycle for the session and persists
// the result. Reports whether the history was condensed.
func (e *Engine) CompressIfDue(ctx context.Context, sessionID string) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "convoflow.compress",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	l := e.acquire(sessionID)
	defer l.mu.Unlock()

	return e.compressLocked(ctx, sessionID)
}

// RunTurn appends the user's message, assembles the prompt window and then
// opportunistically compresses the history, all under one session lock.
func (e *Engine) RunTurn(ctx context.Context, sessionID, userContent string) ([]types.Message, error) {
	ctx, span := e.tracer.Start(ctx, "convoflow.run_turn",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	l := e.acquire(sessionID)
	defer l.mu.Unlock()

	if err := e.store.AppendMessage(ctx, sessionID, types.NewUserMessage(userContent)); err != nil {
		e.recordStoreError("append")
		return nil, err
	}

	msgs, err := e.buildLocked(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if _, err := e.compressLocked(ctx, sessionID); err != nil {
		// Compression failures never cost the caller their turn.
		e.log.Warn("compression cycle failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	return msgs, nil
}

// PruneLocks drops lock-table entries idle longer than lockIdleTimeout.
// Returns how many were removed. Call it periodically from a housekeeping
// loop; sessions locked at prune time are kept.
func (e *Engine) PruneLocks() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := time.Now().Add(-lockIdleTimeout)
	removed := 0
	for id, l := range e.locks {
		if l.lastUsed.After(cutoff) {
			continue
		}
		if !l.mu.TryLock() {
			continue
		}
		l.mu.Unlock()
		delete(e.locks, id)
		removed++
	}
	if e.metrics != nil {
		e.metrics.SetLockTableSize(len(e.locks))
	}
	return removed
}

// Close releases engine resources. Stores owned by the caller stay open.
func (e *Engine) Close() {
	if h, ok := e.store.(*session.HybridStore); ok {
		h.Close()
	}
}

func (e *Engine) buildLocked(ctx context.Context, sessionID string) ([]types.Message, error) {
	start := time.Now()

	s, err := e.store.Get(ctx, sessionID)
	if err != nil {
		e.recordStoreError("get")
		return nil, err
	}

	msgs, err := e.assembler.BuildContext(ctx, s)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordAssembly("error", time.Since(start), 0)
		}
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.RecordAssembly("ok", time.Since(start), e.budget.EstimateMessagesTokens(msgs))
	}
	return msgs, nil
}

func (e *Engine) compressLocked(ctx context.Context, sessionID string) (bool, error) {
	s, err := e.store.Get(ctx, sessionID)
	if err != nil {
		e.recordStoreError("get")
		return false, err
	}
	if !e.scheduler.NeedsCompression(s) {
		return false, nil
	}

	start := time.Now()
	before := len(s.Messages)

	compressed, err := e.scheduler.Run(ctx, s, e.summarizer)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordCompression("error", time.Since(start), 0)
		}
		return false, err
	}
	if !compressed {
		return false, nil
	}

	if err := e.store.Save(ctx, s); err != nil {
		e.recordStoreError("save")
		if e.metrics != nil {
			e.metrics.RecordCompression("error", time.Since(start), 0)
		}
		return false, err
	}
	if e.metrics != nil {
		e.metrics.RecordCompression("ok", time.Since(start), before-len(s.Messages))
	}
	return true, nil
}

// acquire locks the session and returns its lock entry. Callers must
// unlock l.mu when done.
func (e *Engine) acquire(sessionID string) *sessionLock {
	e.mu.Lock()
	l, ok := e.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		e.locks[sessionID] = l
	}
	l.lastUsed = time.Now()
	if e.metrics != nil {
		e.metrics.SetLockTableSize(len(e.locks))
	}
	e.mu.Unlock()

	l.mu.Lock()
	return l
}

func (e *Engine) recordStoreError(operation string) {
	if e.metrics != nil {
		e.metrics.RecordStoreError(operation)
	}
}
