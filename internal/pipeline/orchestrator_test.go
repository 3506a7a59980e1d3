package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/mnemos/internal/auth"
	"github.com/ent0n29/mnemos/internal/brain"
	"github.com/ent0n29/mnemos/internal/embedding"
	"github.com/ent0n29/mnemos/internal/logging"
	"github.com/ent0n29/mnemos/internal/memory"
	"github.com/ent0n29/mnemos/internal/observability"
	"github.com/ent0n29/mnemos/internal/protocol"
	"github.com/ent0n29/mnemos/internal/reliability"
	"github.com/ent0n29/mnemos/internal/transcript"
)

var ada = auth.Identity{UserID: "u1", DisplayName: "Ada"}

var metricsSeq atomic.Int64

type recordingEmitter struct {
	mu     sync.Mutex
	events []any
	err    error
}

func (e *recordingEmitter) Emit(_ context.Context, event any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, event)
	return nil
}

func (e *recordingEmitter) snapshot() []any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]any(nil), e.events...)
}

func (e *recordingEmitter) onlyReply(t *testing.T) protocol.Reply {
	t.Helper()
	events := e.snapshot()
	require.Len(t, events, 1)
	reply, ok := events[0].(protocol.Reply)
	require.True(t, ok, "event = %#v, want reply", events[0])
	return reply
}

func (e *recordingEmitter) onlyError(t *testing.T) protocol.ErrorEvent {
	t.Helper()
	events := e.snapshot()
	require.Len(t, events, 1)
	ev, ok := events[0].(protocol.ErrorEvent)
	require.True(t, ok, "event = %#v, want error", events[0])
	return ev
}

// scriptedGenerator echoes the last user segment unless told otherwise and
// records every prompt it receives.
type scriptedGenerator struct {
	mu      sync.Mutex
	prompts [][]brain.Segment
	reply   func(last string) (string, error)
	entered chan string
	gate    map[string]chan struct{}
}

func (g *scriptedGenerator) Generate(_ context.Context, segments []brain.Segment) (string, error) {
	last := ""
	for _, s := range segments {
		if s.Role == brain.RoleUser {
			last = s.Text
		}
	}
	g.mu.Lock()
	g.prompts = append(g.prompts, append([]brain.Segment(nil), segments...))
	gate := g.gate[last]
	entered := g.entered
	g.mu.Unlock()

	if entered != nil {
		entered <- last
	}
	if gate != nil {
		<-gate
	}
	if g.reply != nil {
		return g.reply(last)
	}
	return "echo: " + last, nil
}

func (g *scriptedGenerator) calls() [][]brain.Segment {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([][]brain.Segment(nil), g.prompts...)
}

// failingEmbedder fails texts starting with prefix, or every text when
// prefix is empty.
type failingEmbedder struct {
	embedding.Embedder
	err    error
	prefix string
}

func (f failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.HasPrefix(text, f.prefix) {
		return nil, f.err
	}
	return f.Embedder.Embed(ctx, text)
}

type failingMemories struct {
	memory.Store
	upsertErr error
	queryErr  error
}

func (f failingMemories) Upsert(ctx context.Context, rec memory.Record) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	return f.Store.Upsert(ctx, rec)
}

func (f failingMemories) Query(ctx context.Context, v []float32, k int, filter memory.Filter) ([]memory.Match, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.Store.Query(ctx, v, k, filter)
}

type failingTranscripts struct {
	transcript.Store
	recentErr error
	appendErr error
	// appendRole limits appendErr to one role when set.
	appendRole transcript.Role
	// lookupDelay slows GetChat down the first time it is called.
	lookupDelay time.Duration
	lookups     *atomic.Int32
}

func (f failingTranscripts) AppendTurn(ctx context.Context, nt transcript.NewTurn) (transcript.Turn, error) {
	if f.appendErr != nil && (f.appendRole == "" || f.appendRole == nt.Role) {
		return transcript.Turn{}, f.appendErr
	}
	return f.Store.AppendTurn(ctx, nt)
}

func (f failingTranscripts) GetChat(ctx context.Context, chatID string) (transcript.Chat, error) {
	if f.lookups != nil && f.lookups.Add(1) == 1 {
		time.Sleep(f.lookupDelay)
	}
	return f.Store.GetChat(ctx, chatID)
}

func (f failingTranscripts) RecentTurns(ctx context.Context, chatID string, limit int) ([]transcript.Turn, error) {
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	return f.Store.RecentTurns(ctx, chatID, limit)
}

type harness struct {
	transcripts *transcript.InMemoryStore
	memories    *memory.ChromemStore
	embedder    *embedding.MockEmbedder
	gen         *scriptedGenerator
	orch        *Orchestrator
	chat        transcript.Chat
}

type harnessOption func(cfg *Config, deps *Deps)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	memories, err := memory.NewChromemStore("")
	require.NoError(t, err)
	h := &harness{
		transcripts: transcript.NewInMemoryStore(),
		memories:    memories,
		embedder:    embedding.NewMockEmbedder(64),
		gen:         &scriptedGenerator{gate: map[string]chan struct{}{}},
	}
	cfg := Config{}
	deps := Deps{
		Transcripts: h.transcripts,
		Memories:    h.memories,
		Embedder:    h.embedder,
		Generator:   h.gen,
		Metrics:     observability.NewMetrics(fmt.Sprintf("mnemos_pipeline_test_%d_%d", time.Now().UnixNano(), metricsSeq.Add(1))),
		Logger:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	h.orch, err = New(cfg, deps)
	require.NoError(t, err)
	h.chat, err = h.transcripts.CreateChat(context.Background(), ada.UserID, "")
	require.NoError(t, err)
	return h
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.idle(ctx))
}

func (h *harness) turns(t *testing.T, chatID string) []transcript.Turn {
	t.Helper()
	turns, err := h.transcripts.ListTurns(context.Background(), chatID)
	require.NoError(t, err)
	return turns
}

func requireTurnKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, KindOf(err))
}

func dialogue(segments []brain.Segment) []brain.Segment {
	out := make([]brain.Segment, 0, len(segments))
	for _, s := range segments {
		if s.Role != brain.RoleBackground {
			out = append(out, s)
		}
	}
	return out
}

func background(segments []brain.Segment) (string, bool) {
	for _, s := range segments {
		if s.Role == brain.RoleBackground {
			return s.Text, true
		}
	}
	return "", false
}

func TestProcessTurnRepliesAndRecords(t *testing.T) {
	h := newHarness(t)
	em := &recordingEmitter{}

	require.NoError(t, h.orch.ProcessTurn(context.Background(), em, ada, h.chat.ID, "hello there"))
	h.drain(t)

	reply := em.onlyReply(t)
	require.Equal(t, h.chat.ID, reply.ChatID)
	require.Equal(t, "echo: hello there", reply.Content)

	turns := h.turns(t, h.chat.ID)
	require.Len(t, turns, 2)
	require.Equal(t, transcript.RoleUser, turns[0].Role)
	require.Equal(t, ada.UserID, turns[0].AuthorID)
	require.Equal(t, "hello there", turns[0].Content)
	require.Equal(t, reply.TurnID, turns[0].ID)
	require.Equal(t, transcript.RoleAssistant, turns[1].Role)
	require.Equal(t, transcript.SystemAuthor, turns[1].AuthorID)
	require.Equal(t, "echo: hello there", turns[1].Content)

	require.Equal(t, 2, h.memories.Count())
	v, err := h.embedder.Embed(context.Background(), "echo: hello there")
	require.NoError(t, err)
	matches, err := h.memories.Query(context.Background(), v, 2, memory.Filter{UserID: ada.UserID})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, turns[1].ID, matches[0].TurnID)
	require.Equal(t, ada.UserID, matches[0].UserID)
}

func TestProcessTurnSecondTurnSeesFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.orch.ProcessTurn(ctx, &recordingEmitter{}, ada, h.chat.ID, "the capital of France is Paris"))
	h.drain(t)
	require.NoError(t, h.orch.ProcessTurn(ctx, &recordingEmitter{}, ada, h.chat.ID, "what is the capital of France?"))
	h.drain(t)

	prompts := h.gen.calls()
	require.Len(t, prompts, 2)
	second := prompts[1]

	bg, ok := background(second)
	require.True(t, ok)
	require.True(t, strings.HasPrefix(bg, longTermPreamble))
	require.Contains(t, bg, "the capital of France is Paris")
	require.Equal(t, brain.RoleBackground, second[0].Role)

	talk := dialogue(second)
	require.Len(t, talk, 3)
	require.Equal(t, brain.Segment{Role: brain.RoleUser, Text: "the capital of France is Paris"}, talk[0])
	require.Equal(t, brain.RoleAssistant, talk[1].Role)
	require.Equal(t, brain.Segment{Role: brain.RoleUser, Text: "what is the capital of France?"}, talk[2])
}

func TestProcessTurnLongTermMemoryCrossesChats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	other, err := h.transcripts.CreateChat(ctx, ada.UserID, "trivia")
	require.NoError(t, err)

	require.NoError(t, h.orch.ProcessTurn(ctx, &recordingEmitter{}, ada, other.ID, "my cat is named Miso"))
	h.drain(t)
	require.NoError(t, h.orch.ProcessTurn(ctx, &recordingEmitter{}, ada, h.chat.ID, "what is my cat named?"))
	h.drain(t)

	prompts := h.gen.calls()
	bg, ok := background(prompts[1])
	require.True(t, ok)
	require.Contains(t, bg, "my cat is named Miso")
	require.Len(t, dialogue(prompts[1]), 1)
}

func TestProcessTurnLongTermMemoryIsPerUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bob := auth.Identity{UserID: "u2"}
	bobChat, err := h.transcripts.CreateChat(ctx, bob.UserID, "")
	require.NoError(t, err)

	require.NoError(t, h.orch.ProcessTurn(ctx, &recordingEmitter{}, bob, bobChat.ID, "my password hint is blue"))
	h.drain(t)
	require.NoError(t, h.orch.ProcessTurn(ctx, &recordingEmitter{}, ada, h.chat.ID, "what is the password hint?"))
	h.drain(t)

	bg, _ := background(h.gen.calls()[1])
	require.NotContains(t, bg, "blue")
}

func TestProcessTurnValidation(t *testing.T) {
	cases := []struct {
		name    string
		chatID  func(h *harness) string
		content string
		kind    Kind
	}{
		{"empty", func(h *harness) string { return h.chat.ID }, "  \n\t ", EmptyContent},
		{"too large", func(h *harness) string { return h.chat.ID }, strings.Repeat("a", 17), ContentTooLarge},
		{"missing chat", func(*harness) string { return "does-not-exist" }, "hi", UnknownChat},
		{"foreign chat", func(h *harness) string {
			c, err := h.transcripts.CreateChat(context.Background(), "u2", "")
			if err != nil {
				panic(err)
			}
			return c.ID
		}, "hi", UnknownChat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, func(cfg *Config, _ *Deps) { cfg.MaxContentBytes = 16 })
			em := &recordingEmitter{}
			chatID := tc.chatID(h)

			err := h.orch.ProcessTurn(context.Background(), em, ada, chatID, tc.content)
			requireTurnKind(t, err, tc.kind)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			h.drain(t)

			ev := em.onlyError(t)
			require.Equal(t, string(tc.kind), ev.Kind)
			require.False(t, ev.Retryable)
			require.Equal(t, chatID, ev.ChatID)
			require.Empty(t, h.turns(t, h.chat.ID))
			require.Zero(t, h.memories.Count())
			require.Empty(t, h.gen.calls())
		})
	}
}

func TestProcessTurnForeignAndMissingChatsLookAlike(t *testing.T) {
	h := newHarness(t)
	foreign, err := h.transcripts.CreateChat(context.Background(), "u2", "")
	require.NoError(t, err)

	missingEm, foreignEm := &recordingEmitter{}, &recordingEmitter{}
	_ = h.orch.ProcessTurn(context.Background(), missingEm, ada, "nope", "hi")
	_ = h.orch.ProcessTurn(context.Background(), foreignEm, ada, foreign.ID, "hi")

	a, b := missingEm.onlyError(t), foreignEm.onlyError(t)
	require.Equal(t, a.Kind, b.Kind)
	require.Equal(t, a.Message, b.Message)
}

func TestProcessTurnEmbeddingFailureStillStoresTurn(t *testing.T) {
	h := newHarness(t, func(_ *Config, deps *Deps) {
		deps.Embedder = failingEmbedder{Embedder: deps.Embedder, err: errors.New("model offline")}
	})
	em := &recordingEmitter{}

	err := h.orch.ProcessTurn(context.Background(), em, ada, h.chat.ID, "remember this")
	requireTurnKind(t, err, EmbeddingFailed)
	h.drain(t)

	ev := em.onlyError(t)
	require.Equal(t, string(EmbeddingFailed), ev.Kind)
	require.NotContains(t, ev.Message, "model offline")

	turns := h.turns(t, h.chat.ID)
	require.Len(t, turns, 1)
	require.Equal(t, "remember this", turns[0].Content)
	require.Zero(t, h.memories.Count())
	require.Empty(t, h.gen.calls())
}

func TestProcessTurnUpsertFailureDegrades(t *testing.T) {
	h := newHarness(t, func(_ *Config, deps *Deps) {
		deps.Memories = failingMemories{Store: deps.Memories, upsertErr: errors.New("disk full")}
	})
	em := &recordingEmitter{}

	require.NoError(t, h.orch.ProcessTurn(context.Background(), em, ada, h.chat.ID, "hi"))
	h.drain(t)

	require.Equal(t, "echo: hi", em.onlyReply(t).Content)
	require.Len(t, h.turns(t, h.chat.ID), 2)
	require.Zero(t, h.memories.Count())
}

func TestProcessTurnQueryFailureDropsLongTermMemory(t *testing.T) {
	h := newHarness(t, func(_ *Config, deps *Deps) {
		deps.Memories = failingMemories{Store: deps.Memories, queryErr: errors.New("index corrupt")}
	})
	ctx := context.Background()
	v, err := h.embedder.Embed(ctx, "hi there")
	require.NoError(t, err)
	require.NoError(t, h.memories.Upsert(ctx, memory.Record{
		ID: "seed", Vector: v, UserID: ada.UserID, ChatID: "older", TurnID: "t0", SourceText: "hi there",
	}))
	em := &recordingEmitter{}

	require.NoError(t, h.orch.ProcessTurn(ctx, em, ada, h.chat.ID, "hi"))
	h.drain(t)

	em.onlyReply(t)
	prompts := h.gen.calls()
	require.Len(t, prompts, 1)
	require.Equal(t, []brain.Segment{
		{Role: brain.RoleBackground, Text: longTermPreamble},
		{Role: brain.RoleUser, Text: "hi"},
	}, prompts[0])
}

func TestProcessTurnFirstTurnOfChat(t *testing.T) {
	h := newHarness(t)
	em := &recordingEmitter{}
	question := "What is the capital of France?"

	require.NoError(t, h.orch.ProcessTurn(context.Background(), em, ada, h.chat.ID, question))
	h.drain(t)

	// No history: an empty preamble, then the question itself.
	prompts := h.gen.calls()
	require.Len(t, prompts, 1)
	require.Equal(t, []brain.Segment{
		{Role: brain.RoleBackground, Text: longTermPreamble},
		{Role: brain.RoleUser, Text: question},
	}, prompts[0])

	reply := em.onlyReply(t)
	require.Equal(t, h.chat.ID, reply.ChatID)
	require.Equal(t, "echo: "+question, reply.Content)

	turns := h.turns(t, h.chat.ID)
	require.Len(t, turns, 2)
	require.Equal(t, question, turns[0].Content)
	require.Equal(t, transcript.RoleAssistant, turns[1].Role)
	require.Equal(t, 2, h.memories.Count())
}

func TestProcessTurnTranscriptWriteFailure(t *testing.T) {
	h := newHarness(t, func(_ *Config, deps *Deps) {
		deps.Transcripts = failingTranscripts{Store: deps.Transcripts, appendErr: errors.New("disk full")}
	})
	em := &recordingEmitter{}

	err := h.orch.ProcessTurn(context.Background(), em, ada, h.chat.ID, "hi")
	h.drain(t)

	requireTurnKind(t, err, TranscriptWriteFailed)
	ev := em.onlyError(t)
	require.Equal(t, string(TranscriptWriteFailed), ev.Kind)
	require.Empty(t, h.turns(t, h.chat.ID))
	require.Zero(t, h.memories.Count())
	require.Empty(t, h.gen.calls())
}

func TestProcessTurnBookkeepingFailureKeepsReply(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		name string
		opt  harnessOption
	}{
		{"assistant turn not stored", func(_ *Config, deps *Deps) {
			deps.Transcripts = failingTranscripts{Store: deps.Transcripts, appendErr: boom, appendRole: transcript.RoleAssistant}
		}},
		{"reply not embedded", func(_ *Config, deps *Deps) {
			deps.Embedder = failingEmbedder{Embedder: deps.Embedder, err: boom, prefix: "echo: "}
		}},
		{"reply not indexed", func(_ *Config, deps *Deps) {
			deps.Memories = failingMemories{Store: deps.Memories, upsertErr: boom}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.opt)
			ctx := context.Background()

			first := &recordingEmitter{}
			require.NoError(t, h.orch.ProcessTurn(ctx, first, ada, h.chat.ID, "one"))
			h.drain(t)
			require.Equal(t, "echo: one", first.onlyReply(t).Content)

			// The lane was released: the next turn on the chat still runs.
			second := &recordingEmitter{}
			done := make(chan error, 1)
			go func() { done <- h.orch.ProcessTurn(ctx, second, ada, h.chat.ID, "two") }()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatalf("second turn blocked after failed bookkeeping")
			}
			h.drain(t)
			require.Equal(t, "echo: two", second.onlyReply(t).Content)
			require.Len(t, first.snapshot(), 1)
		})
	}
}

func TestProcessTurnShortTermWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		nt := transcript.NewTurn{ChatID: h.chat.ID, AuthorID: ada.UserID, Role: transcript.RoleUser, Content: fmt.Sprintf("m%02d", i)}
		if i%2 == 1 {
			nt.AuthorID = transcript.SystemAuthor
			nt.Role = transcript.RoleAssistant
		}
		_, err := h.transcripts.AppendTurn(ctx, nt)
		require.NoError(t, err)
	}

	require.NoError(t, h.orch.ProcessTurn(ctx, &recordingEmitter{}, ada, h.chat.ID, "latest"))
	h.drain(t)

	talk := dialogue(h.gen.calls()[0])
	require.Len(t, talk, DefaultShortTermLimit)
	require.Equal(t, brain.Segment{Role: brain.RoleUser, Text: "m06"}, talk[0])
	require.Equal(t, brain.Segment{Role: brain.RoleAssistant, Text: "m07"}, talk[1])
	require.Equal(t, brain.Segment{Role: brain.RoleAssistant, Text: "m23"}, talk[len(talk)-3])
	require.Equal(t, brain.Segment{Role: brain.RoleUser, Text: "m24"}, talk[len(talk)-2])
	require.Equal(t, brain.Segment{Role: brain.RoleUser, Text: "latest"}, talk[len(talk)-1])
}

func TestProcessTurnKeepsArrivalOrder(t *testing.T) {
	var lookups atomic.Int32
	h := newHarness(t, func(_ *Config, deps *Deps) {
		deps.Transcripts = failingTranscripts{Store: deps.Transcripts, lookupDelay: 50 * time.Millisecond, lookups: &lookups}
	})
	ctx := context.Background()

	// Admitted in arrival order; the first one's chat lookup is the slow one.
	first := h.orch.Admit(h.chat.ID)
	second := h.orch.Admit(h.chat.ID)

	errs := make(chan error, 2)
	go func() { errs <- first.Process(ctx, &recordingEmitter{}, ada, "first") }()
	time.Sleep(5 * time.Millisecond)
	go func() { errs <- second.Process(ctx, &recordingEmitter{}, ada, "second") }()
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
	}
	h.drain(t)

	var contents []string
	for _, turn := range h.turns(t, h.chat.ID) {
		contents = append(contents, turn.Content)
	}
	require.Equal(t, []string{"first", "echo: first", "second", "echo: second"}, contents)
}

func TestDrainWaitsForAdmittedTurns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	turn := h.orch.Admit(h.chat.ID)

	drained := make(chan error, 1)
	go func() {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		drained <- h.orch.Drain(dctx)
	}()
	select {
	case err := <-drained:
		t.Fatalf("Drain() = %v before the admitted turn ran", err)
	case <-time.After(30 * time.Millisecond):
	}

	em := &recordingEmitter{}
	require.NoError(t, turn.Process(ctx, em, ada, "just in time"))
	select {
	case err := <-drained:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("Drain() never returned")
	}
	em.onlyReply(t)
	require.Len(t, h.turns(t, h.chat.ID), 2)
	require.Equal(t, 2, h.memories.Count())
}

func TestProcessTurnRefusedAfterDrain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.orch.Drain(ctx))

	em := &recordingEmitter{}
	err := h.orch.ProcessTurn(ctx, em, ada, h.chat.ID, "too late")
	require.ErrorIs(t, err, ErrDraining)
	ev := em.onlyError(t)
	require.Equal(t, string(ShuttingDown), ev.Kind)
	require.True(t, ev.Retryable)
	require.Empty(t, h.turns(t, h.chat.ID))
}

func TestAdmissionRunsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	turn := h.orch.Admit(h.chat.ID)
	require.NoError(t, turn.Process(ctx, &recordingEmitter{}, ada, "once"))
	em := &recordingEmitter{}
	require.Error(t, turn.Process(ctx, em, ada, "twice"))
	require.Empty(t, em.snapshot())
	h.drain(t)
	require.Len(t, h.turns(t, h.chat.ID), 2)
}

func TestProcessTurnRedactedContentCountsTowardLimit(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) {
		cfg.RedactPII = true
		cfg.MaxContentBytes = 12
	})
	em := &recordingEmitter{}

	// 9 bytes as sent, longer once the address is replaced.
	err := h.orch.ProcessTurn(context.Background(), em, ada, h.chat.ID, "hi a@b.co")
	h.drain(t)

	requireTurnKind(t, err, ContentTooLarge)
	require.Equal(t, string(ContentTooLarge), em.onlyError(t).Kind)
	require.Empty(t, h.turns(t, h.chat.ID))
}

func TestProcessTurnTranscriptReadFailure(t *testing.T) {
	h := newHarness(t, func(_ *Config, deps *Deps) {
		deps.Transcripts = failingTranscripts{Store: deps.Transcripts, recentErr: errors.New("replica lag")}
	})
	em := &recordingEmitter{}

	err := h.orch.ProcessTurn(context.Background(), em, ada, h.chat.ID, "hi")
	requireTurnKind(t, err, TranscriptReadFailed)
	h.drain(t)

	require.Equal(t, string(TranscriptReadFailed), em.onlyError(t).Kind)
	require.Empty(t, h.gen.calls())
	require.Len(t, h.turns(t, h.chat.ID), 1)
}

func TestProcessTurnGenerationFailure(t *testing.T) {
	cases := []struct {
		name      string
		reply     func(string) (string, error)
		retryable bool
	}{
		{"plain error", func(string) (string, error) { return "", errors.New("boom") }, false},
		{"upstream 503", func(string) (string, error) {
			return "", fmt.Errorf("%w: %w", brain.ErrGeneration, &reliability.StatusError{Provider: "anthropic", StatusCode: 503})
		}, true},
		{"empty reply", func(string) (string, error) { return "   ", nil }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.gen.reply = tc.reply
			em := &recordingEmitter{}

			err := h.orch.ProcessTurn(context.Background(), em, ada, h.chat.ID, "hi")
			requireTurnKind(t, err, GenerationFailed)
			h.drain(t)

			ev := em.onlyError(t)
			require.Equal(t, string(GenerationFailed), ev.Kind)
			require.Equal(t, tc.retryable, ev.Retryable)

			turns := h.turns(t, h.chat.ID)
			require.Len(t, turns, 1)
			require.Equal(t, transcript.RoleUser, turns[0].Role)
			require.Equal(t, 1, h.memories.Count())
		})
	}
}

func TestProcessTurnDisconnectSkipsEmissionButPersists(t *testing.T) {
	h := newHarness(t)
	h.gen.entered = make(chan string, 1)
	gate := make(chan struct{})
	h.gen.gate["slow question"] = gate
	em := &recordingEmitter{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.ProcessTurn(ctx, em, ada, h.chat.ID, "slow question") }()

	require.Equal(t, "slow question", <-h.gen.entered)
	cancel()
	close(gate)
	require.NoError(t, <-done)
	h.drain(t)

	require.Empty(t, em.snapshot())
	turns := h.turns(t, h.chat.ID)
	require.Len(t, turns, 2)
	require.Equal(t, "echo: slow question", turns[1].Content)
	require.Equal(t, 2, h.memories.Count())
}

func TestProcessTurnEmitFailureIsSwallowed(t *testing.T) {
	h := newHarness(t)
	em := &recordingEmitter{err: errors.New("broken pipe")}

	require.NoError(t, h.orch.ProcessTurn(context.Background(), em, ada, h.chat.ID, "hi"))
	h.drain(t)
	require.Len(t, h.turns(t, h.chat.ID), 2)
}

func TestProcessTurnSerializesTurnsPerChat(t *testing.T) {
	h := newHarness(t)
	const n = 6

	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			errs <- h.orch.ProcessTurn(context.Background(), &recordingEmitter{}, ada, h.chat.ID, fmt.Sprintf("message %d", i))
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
	h.drain(t)

	turns := h.turns(t, h.chat.ID)
	require.Len(t, turns, 2*n)
	for i := 0; i < len(turns); i += 2 {
		require.Equal(t, transcript.RoleUser, turns[i].Role, "turn %d", i)
		require.Equal(t, transcript.RoleAssistant, turns[i+1].Role, "turn %d", i+1)
		require.Equal(t, "echo: "+turns[i].Content, turns[i+1].Content)
	}
}

func TestProcessTurnChatsRunInParallel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	other, err := h.transcripts.CreateChat(ctx, ada.UserID, "")
	require.NoError(t, err)

	h.gen.entered = make(chan string, 4)
	gate := make(chan struct{})
	h.gen.gate["stuck"] = gate

	slowEm := &recordingEmitter{}
	done := make(chan error, 1)
	go func() { done <- h.orch.ProcessTurn(ctx, slowEm, ada, h.chat.ID, "stuck") }()
	require.Equal(t, "stuck", <-h.gen.entered)

	fastEm := &recordingEmitter{}
	require.NoError(t, h.orch.ProcessTurn(ctx, fastEm, ada, other.ID, "quick"))
	require.Equal(t, "quick", <-h.gen.entered)
	require.Equal(t, "echo: quick", fastEm.onlyReply(t).Content)
	require.Empty(t, slowEm.snapshot())

	close(gate)
	require.NoError(t, <-done)
	h.drain(t)
	require.Equal(t, "echo: stuck", slowEm.onlyReply(t).Content)
}

func TestProcessTurnRedactsBeforeStoringAndEmbedding(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) { cfg.RedactPII = true })
	ctx := context.Background()

	require.NoError(t, h.orch.ProcessTurn(ctx, &recordingEmitter{}, ada, h.chat.ID, "mail me at ada@example.com"))
	h.drain(t)

	turns := h.turns(t, h.chat.ID)
	require.Len(t, turns, 2)
	stored := turns[0].Content
	require.NotContains(t, stored, "ada@example.com")
	require.Contains(t, stored, "[REDACTED_EMAIL]")

	talk := dialogue(h.gen.calls()[0])
	require.Equal(t, stored, talk[len(talk)-1].Text)

	v, err := h.embedder.Embed(ctx, stored)
	require.NoError(t, err)
	matches, err := h.memories.Query(ctx, v, 1, memory.Filter{UserID: ada.UserID})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, stored, matches[0].SourceText)
	require.Equal(t, turns[0].ID, matches[0].TurnID)
}

func TestWithoutTurn(t *testing.T) {
	matches := []memory.Match{{TurnID: "a"}, {TurnID: "self"}, {TurnID: "b"}, {TurnID: "c"}}
	got := withoutTurn(matches, "self", 2)
	require.Equal(t, []memory.Match{{TurnID: "a"}, {TurnID: "b"}}, got)
	require.Empty(t, withoutTurn(nil, "self", 3))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}

func TestConversationContextSegments(t *testing.T) {
	cc := ConversationContext{
		ShortTerm: []transcript.Turn{
			{Role: transcript.RoleUser, Content: "q1"},
			{Role: transcript.RoleAssistant, Content: "a1"},
		},
		LongTerm: []memory.Match{{SourceText: "fact one"}, {SourceText: "fact two"}},
	}
	got := cc.Segments()
	require.Equal(t, []brain.Segment{
		{Role: brain.RoleBackground, Text: longTermPreamble + "fact one\nfact two"},
		{Role: brain.RoleUser, Text: "q1"},
		{Role: brain.RoleAssistant, Text: "a1"},
	}, got)

	empty := ConversationContext{ShortTerm: cc.ShortTerm[:1]}
	require.Equal(t, []brain.Segment{
		{Role: brain.RoleBackground, Text: longTermPreamble},
		{Role: brain.RoleUser, Text: "q1"},
	}, empty.Segments())

	require.Equal(t, []brain.Segment{{Role: brain.RoleUser, Text: "q1"}},
		ConversationContext{ShortTerm: cc.ShortTerm[:1]}.Segments())
}
