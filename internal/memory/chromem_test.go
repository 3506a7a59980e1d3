package memory

import (
	"context"
	"errors"
	"testing"
)

func TestChromemStoreRoundTripsSourceText(t *testing.T) {
	ctx := context.Background()
	s, err := NewChromemStore("")
	if err != nil {
		t.Fatalf("NewChromemStore() error = %v", err)
	}

	rec := Record{
		ID:         "r1",
		Vector:     []float32{1, 0, 0},
		ChatID:     "c1",
		UserID:     "u1",
		TurnID:     "t1",
		SourceText: "the capital of France is Paris",
	}
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := s.Query(ctx, []float32{1, 0, 0}, 3, Filter{UserID: "u1"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(matches) = %d, want 1", len(got))
	}
	m := got[0]
	if m.SourceText != rec.SourceText || m.TurnID != "t1" || m.ChatID != "c1" || m.UserID != "u1" {
		t.Fatalf("match = %+v, want fields of %+v", m, rec)
	}
	if m.Score < 0.99 {
		t.Fatalf("Score = %v, want ~1", m.Score)
	}
}

func TestChromemStoreFiltersByUser(t *testing.T) {
	ctx := context.Background()
	s, err := NewChromemStore("")
	if err != nil {
		t.Fatalf("NewChromemStore() error = %v", err)
	}

	records := []Record{
		{ID: "a", Vector: []float32{1, 0, 0}, UserID: "u1", ChatID: "c1", SourceText: "mine"},
		{ID: "b", Vector: []float32{1, 0, 0}, UserID: "u2", ChatID: "c2", SourceText: "theirs"},
		{ID: "c", Vector: []float32{0, 1, 0}, UserID: "u1", ChatID: "c3", SourceText: "also mine"},
	}
	for _, rec := range records {
		if err := s.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert(%s) error = %v", rec.ID, err)
		}
	}

	got, err := s.Query(ctx, []float32{1, 0, 0}, 3, Filter{UserID: "u1"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(matches) = %d, want 2", len(got))
	}
	for _, m := range got {
		if m.UserID != "u1" {
			t.Fatalf("match from foreign user leaked: %+v", m)
		}
	}
	if got[0].ID != "a" {
		t.Fatalf("top match = %q, want a", got[0].ID)
	}
}

func TestChromemStoreQueryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, err := NewChromemStore("")
	if err != nil {
		t.Fatalf("NewChromemStore() error = %v", err)
	}
	for i, v := range [][]float32{{1, 0, 0}, {0.9, 0.1, 0}, {0, 0, 1}, {0.5, 0.5, 0}} {
		rec := Record{ID: string(rune('a' + i)), Vector: v, UserID: "u1", SourceText: "x"}
		if err := s.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}

	first, err := s.Query(ctx, []float32{1, 0, 0}, 3, Filter{UserID: "u1"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	second, err := s.Query(ctx, []float32{1, 0, 0}, 3, Filter{UserID: "u1"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("len = %d/%d, want 3/3", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("result %d differs: %q vs %q", i, first[i].ID, second[i].ID)
		}
	}
}

func TestChromemStoreQueryClampsToCount(t *testing.T) {
	ctx := context.Background()
	s, err := NewChromemStore("")
	if err != nil {
		t.Fatalf("NewChromemStore() error = %v", err)
	}

	got, err := s.Query(ctx, []float32{1, 0}, 3, Filter{})
	if err != nil {
		t.Fatalf("Query(empty) error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("len(matches) = %d, want 0", len(got))
	}

	if err := s.Upsert(ctx, Record{ID: "only", Vector: []float32{1, 0}, UserID: "u1", SourceText: "x"}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	got, err = s.Query(ctx, []float32{1, 0}, 3, Filter{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(matches) = %d, want 1", len(got))
	}
	if s.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", s.Count())
	}
}

func TestChromemStoreRejectsInvalidRecord(t *testing.T) {
	s, err := NewChromemStore("")
	if err != nil {
		t.Fatalf("NewChromemStore() error = %v", err)
	}
	err = s.Upsert(context.Background(), Record{ID: "x"})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("Upsert() error = %v, want ErrInvalidRecord", err)
	}
}

func TestNewStoreRejectsUnknownBackend(t *testing.T) {
	if _, err := NewStore(context.Background(), Config{Backend: "redis"}); err == nil {
		t.Fatalf("NewStore() error = nil, want unknown backend error")
	}
	s, err := NewStore(context.Background(), Config{})
	if err != nil {
		t.Fatalf("NewStore(auto) error = %v", err)
	}
	if _, ok := s.(*ChromemStore); !ok {
		t.Fatalf("NewStore(auto) = %T, want *ChromemStore", s)
	}
}
