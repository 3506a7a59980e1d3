// Package pipeline runs the per-turn state machine: ingest, index, context
// assembly, then generation with detached bookkeeping.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/mnemos/internal/auth"
	"github.com/ent0n29/mnemos/internal/brain"
	"github.com/ent0n29/mnemos/internal/embedding"
	"github.com/ent0n29/mnemos/internal/eventstream"
	"github.com/ent0n29/mnemos/internal/memory"
	"github.com/ent0n29/mnemos/internal/observability"
	"github.com/ent0n29/mnemos/internal/policy"
	"github.com/ent0n29/mnemos/internal/protocol"
	"github.com/ent0n29/mnemos/internal/transcript"
)

const (
	DefaultShortTermLimit  = 20
	DefaultLongTermLimit   = 3
	DefaultMaxContentBytes = 16 << 10

	publishTimeout = 5 * time.Second
)

// Emitter delivers events to the connection a turn came from.
type Emitter interface {
	Emit(ctx context.Context, event any) error
}

type Config struct {
	ShortTermLimit  int
	LongTermLimit   int
	MaxContentBytes int
	// BookkeepingTimeout bounds the post-reply writes. Zero means no bound.
	BookkeepingTimeout time.Duration
	RedactPII          bool
}

// Deps are the collaborators of the orchestrator. Publisher, Metrics and
// Logger are optional.
type Deps struct {
	Transcripts transcript.Store
	Memories    memory.Store
	Embedder    embedding.Embedder
	Generator   brain.Generator
	Publisher   eventstream.Publisher
	Metrics     *observability.Metrics
	Logger      *slog.Logger
}

type Orchestrator struct {
	cfg         Config
	transcripts transcript.Store
	memories    memory.Store
	embedder    embedding.Embedder
	generator   brain.Generator
	publisher   eventstream.Publisher
	metrics     *observability.Metrics
	logger      *slog.Logger

	lanes *lanes

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Transcripts == nil || deps.Memories == nil || deps.Embedder == nil || deps.Generator == nil {
		return nil, errors.New("pipeline requires a transcript store, a memory store, an embedder and a generator")
	}
	if cfg.ShortTermLimit <= 0 {
		cfg.ShortTermLimit = DefaultShortTermLimit
	}
	if cfg.LongTermLimit <= 0 {
		cfg.LongTermLimit = DefaultLongTermLimit
	}
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = DefaultMaxContentBytes
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = eventstream.NewNopPublisher()
	}
	return &Orchestrator{
		cfg:         cfg,
		transcripts: deps.Transcripts,
		memories:    deps.Memories,
		embedder:    deps.Embedder,
		generator:   deps.Generator,
		publisher:   publisher,
		metrics:     deps.Metrics,
		logger:      logger,
		lanes:       newLanes(),
	}, nil
}

// Admission is a turn accepted for processing. It holds the turn's place in
// its chat's queue and keeps Drain waiting until Process returns. Every
// Admission must be processed.
type Admission struct {
	o      *Orchestrator
	chatID string
	ticket *ticket
	err    error
	used   atomic.Bool
}

// Admit reserves the next place in chatID's queue without blocking. Callers
// that run turns concurrently admit them in arrival order and may then
// process them on any goroutine. Once Drain has started, admissions are
// refused and Process reports ShuttingDown to the client.
func (o *Orchestrator) Admit(chatID string) *Admission {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.draining {
		return &Admission{o: o, chatID: chatID, err: ErrDraining}
	}
	o.inflight.Add(1)
	return &Admission{o: o, chatID: chatID, ticket: o.lanes.reserve(chatID)}
}

func (a *Admission) ChatID() string { return a.chatID }

// ProcessTurn admits and runs one user turn on the calling goroutine.
func (o *Orchestrator) ProcessTurn(ctx context.Context, em Emitter, id auth.Identity, chatID, content string) error {
	return o.Admit(chatID).Process(ctx, em, id, content)
}

// Process runs the admitted turn and emits exactly one reply or error event
// through em. The returned error is the turn failure already reported to the
// client, or nil. Delivery failures are swallowed.
//
// Durable work runs on a context detached from ctx: once accepted, a turn is
// stored, answered and recorded even if the connection goes away, and only
// the emission is skipped.
func (a *Admission) Process(ctx context.Context, em Emitter, id auth.Identity, content string) error {
	if a.used.Swap(true) {
		return errors.New("admission already processed")
	}
	o := a.o
	if a.err != nil {
		log := o.logger.With("chat_id", a.chatID, "user_id", id.UserID)
		o.fail(ctx, em, log, a.chatID, a.err)
		return a.err
	}
	defer o.inflight.Done()
	return o.run(ctx, em, id, a.chatID, a.ticket, content)
}

func (o *Orchestrator) run(ctx context.Context, em Emitter, id auth.Identity, chatID string, tk *ticket, content string) error {
	started := time.Now()
	durable := context.WithoutCancel(ctx)
	log := o.logger.With("chat_id", chatID, "user_id", id.UserID)

	// Redaction comes first so the size limit applies to what gets stored.
	if o.cfg.RedactPII {
		var kinds []string
		content, kinds = policy.RedactPII(content)
		for _, k := range kinds {
			o.metrics.ObserveRedaction(k)
		}
	}
	if err := o.validate(durable, id, chatID, content); err != nil {
		tk.pass()
		o.fail(ctx, em, log, chatID, err)
		return err
	}

	tk.wait()
	handedOff := false
	defer func() {
		if !handedOff {
			tk.release()
		}
	}()

	// Stage A: persist the turn and embed it. A failing branch does not cancel
	// the other, so the turn is stored even when embedding fails.
	stageStart := time.Now()
	var (
		userTurn transcript.Turn
		vector   []float32
		ingest   errgroup.Group
	)
	ingest.Go(func() error {
		t, err := o.transcripts.AppendTurn(durable, transcript.NewTurn{
			ChatID:   chatID,
			AuthorID: id.UserID,
			Role:     transcript.RoleUser,
			Content:  content,
		})
		if err != nil {
			return &DependencyError{Kind: TranscriptWriteFailed, Err: err}
		}
		userTurn = t
		return nil
	})
	ingest.Go(func() error {
		v, err := o.embedder.Embed(durable, content)
		if err != nil {
			return &DependencyError{Kind: EmbeddingFailed, Err: err}
		}
		vector = v
		return nil
	})
	err := ingest.Wait()
	if userTurn.ID != "" {
		o.publish(durable, id.UserID, userTurn)
	}
	o.metrics.ObserveStage(observability.StageIngest, time.Since(stageStart))
	if err != nil {
		o.fail(ctx, em, log, chatID, err)
		return err
	}
	log = log.With("turn_id", userTurn.ID)

	// Stage B: index. Failure degrades long-term memory but not the turn.
	stageStart = time.Now()
	if err := o.memories.Upsert(durable, memory.Record{
		ID:         uuid.NewString(),
		Vector:     vector,
		ChatID:     chatID,
		UserID:     id.UserID,
		TurnID:     userTurn.ID,
		SourceText: content,
		CreatedAt:  userTurn.CreatedAt,
	}); err != nil {
		o.degrade(log, "index", &DependencyError{Kind: VectorStoreFailed, Err: err})
	}
	o.metrics.ObserveStage(observability.StageIndex, time.Since(stageStart))

	// Stage C: long-term query and short-term window.
	stageStart = time.Now()
	var (
		cc       ConversationContext
		assemble errgroup.Group
	)
	assemble.Go(func() error {
		// One extra result leaves room for the record of this very turn.
		matches, err := o.memories.Query(durable, vector, o.cfg.LongTermLimit+1, memory.Filter{UserID: id.UserID})
		if err != nil {
			o.degrade(log, "context", &DependencyError{Kind: VectorStoreFailed, Err: err})
			return nil
		}
		cc.LongTerm = withoutTurn(matches, userTurn.ID, o.cfg.LongTermLimit)
		return nil
	})
	assemble.Go(func() error {
		turns, err := o.transcripts.RecentTurns(durable, chatID, o.cfg.ShortTermLimit)
		if err != nil {
			return &DependencyError{Kind: TranscriptReadFailed, Err: err}
		}
		cc.ShortTerm = turns
		return nil
	})
	err = assemble.Wait()
	o.metrics.ObserveStage(observability.StageContext, time.Since(stageStart))
	if err != nil {
		o.fail(ctx, em, log, chatID, err)
		return err
	}

	// Stage D: generate and answer first, then record the reply.
	stageStart = time.Now()
	reply, err := o.generator.Generate(durable, cc.Segments())
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errors.New("empty reply")
	}
	o.metrics.ObserveStage(observability.StageGenerate, time.Since(stageStart))
	if err != nil {
		err = &DependencyError{Kind: GenerationFailed, Err: err}
		o.fail(ctx, em, log, chatID, err)
		return err
	}

	o.emit(ctx, em, log, protocol.NewReply(chatID, userTurn.ID, reply))
	o.metrics.ObserveStage(observability.StageTurnToReply, time.Since(started))
	o.metrics.ObserveTurn("replied")

	// The lane stays held until the reply is recorded so the next turn on
	// this chat sees it.
	handedOff = true
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		defer tk.release()
		o.bookkeep(durable, log, id, chatID, reply)
	}()
	return nil
}

// withoutTurn drops the record derived from turnID and keeps at most k matches.
func withoutTurn(matches []memory.Match, turnID string, k int) []memory.Match {
	out := make([]memory.Match, 0, k)
	for _, m := range matches {
		if m.TurnID == turnID {
			continue
		}
		if len(out) == k {
			break
		}
		out = append(out, m)
	}
	return out
}

func (o *Orchestrator) validate(ctx context.Context, id auth.Identity, chatID, content string) error {
	if strings.TrimSpace(content) == "" {
		return &ValidationError{Kind: EmptyContent, Detail: "message content is empty"}
	}
	if len(content) > o.cfg.MaxContentBytes {
		return &ValidationError{
			Kind:   ContentTooLarge,
			Detail: fmt.Sprintf("message content exceeds %d bytes", o.cfg.MaxContentBytes),
		}
	}
	chat, err := o.transcripts.GetChat(ctx, chatID)
	if errors.Is(err, transcript.ErrChatNotFound) {
		return &ValidationError{Kind: UnknownChat, Detail: "chat not found"}
	}
	if err != nil {
		return &DependencyError{Kind: TranscriptReadFailed, Err: err}
	}
	// Foreign chats are reported exactly like missing ones.
	if chat.OwnerID != id.UserID {
		return &ValidationError{Kind: UnknownChat, Detail: "chat not found"}
	}
	return nil
}

// bookkeep records the assistant turn and its memory record. Failures are
// logged only: the user already has the answer.
func (o *Orchestrator) bookkeep(ctx context.Context, log *slog.Logger, id auth.Identity, chatID, reply string) {
	if o.cfg.BookkeepingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.BookkeepingTimeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		o.metrics.ObserveStage(observability.StageBookkeeping, time.Since(start))
	}()

	var (
		turn   transcript.Turn
		vector []float32
		g      errgroup.Group
	)
	g.Go(func() error {
		t, err := o.transcripts.AppendTurn(ctx, transcript.NewTurn{
			ChatID:   chatID,
			AuthorID: transcript.SystemAuthor,
			Role:     transcript.RoleAssistant,
			Content:  reply,
		})
		if err != nil {
			return &DependencyError{Kind: TranscriptWriteFailed, Err: err}
		}
		turn = t
		return nil
	})
	g.Go(func() error {
		v, err := o.embedder.Embed(ctx, reply)
		if err != nil {
			return &DependencyError{Kind: EmbeddingFailed, Err: err}
		}
		vector = v
		return nil
	})
	err := g.Wait()
	if turn.ID != "" {
		o.publish(ctx, id.UserID, turn)
	}
	if err != nil {
		o.degrade(log, "bookkeeping", err)
		return
	}

	// The record belongs to the user so their long-term queries see both
	// sides of the exchange.
	if err := o.memories.Upsert(ctx, memory.Record{
		ID:         uuid.NewString(),
		Vector:     vector,
		ChatID:     chatID,
		UserID:     id.UserID,
		TurnID:     turn.ID,
		SourceText: reply,
		CreatedAt:  turn.CreatedAt,
	}); err != nil {
		o.degrade(log, "bookkeeping", &DependencyError{Kind: VectorStoreFailed, Err: err})
	}
}

func (o *Orchestrator) publish(ctx context.Context, userID string, t transcript.Turn) {
	ev := eventstream.NewTurnPersisted(userID, t)
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		if err := o.publisher.PublishTurn(pubCtx, ev); err != nil {
			o.logger.Warn("publish turn event failed", "chat_id", t.ChatID, "turn_id", t.ID, "err", err)
		}
	}()
}

// fail reports a turn-ending error to the client.
func (o *Orchestrator) fail(ctx context.Context, em Emitter, log *slog.Logger, chatID string, err error) {
	kind := KindOf(err)
	retryable := false
	var dep *DependencyError
	switch {
	case errors.Is(err, ErrDraining):
		retryable = true
		o.metrics.ObserveTurn("refused")
		log.Info("turn refused during shutdown")
	case errors.As(err, &dep):
		retryable = dep.Retryable()
		o.metrics.ObserveDependencyError(string(kind), true)
		o.metrics.ObserveTurn("failed")
		log.Error("turn failed", "kind", kind, "err", err)
	default:
		o.metrics.ObserveTurn("rejected")
		log.Info("turn rejected", "kind", kind)
	}
	o.emit(ctx, em, log, protocol.NewError(chatID, string(kind), clientMessage(err), retryable))
}

func (o *Orchestrator) degrade(log *slog.Logger, stage string, err error) {
	o.metrics.ObserveDependencyError(string(KindOf(err)), false)
	log.Warn("turn degraded", "stage", stage, "kind", KindOf(err), "err", err)
}

func (o *Orchestrator) emit(ctx context.Context, em Emitter, log *slog.Logger, event any) {
	if em == nil {
		return
	}
	if ctx.Err() != nil {
		log.Debug("connection gone, reply dropped")
		o.metrics.ObserveIndicator("emission_skipped")
		return
	}
	if err := em.Emit(ctx, event); err != nil {
		terr := &TransportError{Err: err}
		log.Debug("emit failed", "err", terr)
		o.metrics.ObserveIndicator("emission_failed")
	}
}

// Drain stops admitting turns and waits for admitted turns and their
// bookkeeping to finish.
func (o *Orchestrator) Drain(ctx context.Context) error {
	o.mu.Lock()
	o.draining = true
	o.mu.Unlock()
	return o.idle(ctx)
}

// idle waits for admitted work without closing admissions. Callers must not
// admit turns concurrently.
func (o *Orchestrator) idle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
