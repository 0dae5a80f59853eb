package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/holisticpeople/funnel-checkout/internal/repositories/memory"
)

type countingSequences struct {
	mu       sync.Mutex
	last     int64
	reserves int
	err      error
}

func (s *countingSequences) Reserve(_ context.Context, _ string, size, floor int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.reserves++
	s.last = max(s.last, floor)
	first := s.last + 1
	s.last += size
	return first, nil
}

func TestOrderNumbersFormatsWithPrefix(t *testing.T) {
	issuer, err := NewOrderNumberIssuer(OrderNumberDeps{Sequences: memory.NewStore().Sequences(), Prefix: " HP- "})
	if err != nil {
		t.Fatalf("NewOrderNumberIssuer: %v", err)
	}
	for _, want := range []string{"HP-000001", "HP-000002"} {
		got, err := issuer.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
}

func TestOrderNumbersContinueFromStart(t *testing.T) {
	issuer, err := NewOrderNumberIssuer(OrderNumberDeps{Sequences: memory.NewStore().Sequences(), Start: 1_234_567})
	if err != nil {
		t.Fatalf("NewOrderNumberIssuer: %v", err)
	}
	got, err := issuer.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got != "FC-1234568" {
		t.Fatalf("expected series to continue past start, got %s", got)
	}
}

func TestOrderNumbersReserveInBlocks(t *testing.T) {
	seq := &countingSequences{}
	issuer, err := NewOrderNumberIssuer(OrderNumberDeps{Sequences: seq, Block: 4})
	if err != nil {
		t.Fatalf("NewOrderNumberIssuer: %v", err)
	}

	seen := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			number, err := issuer.Next(context.Background())
			if err != nil {
				t.Errorf("Next: %v", err)
				return
			}
			mu.Lock()
			seen[number] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != 10 {
		t.Fatalf("expected 10 distinct numbers, got %d", len(seen))
	}
	if !seen["FC-000001"] || !seen["FC-000010"] {
		t.Fatalf("expected a contiguous range, got %v", seen)
	}
	if seq.reserves != 3 {
		t.Fatalf("expected 3 block reservations, got %d", seq.reserves)
	}
}

func TestOrderNumbersPropagateReserveError(t *testing.T) {
	boom := errors.New("firestore down")
	issuer, err := NewOrderNumberIssuer(OrderNumberDeps{Sequences: &countingSequences{err: boom}})
	if err != nil {
		t.Fatalf("NewOrderNumberIssuer: %v", err)
	}
	if _, err := issuer.Next(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected reserve error, got %v", err)
	}
	if _, err := NewOrderNumberIssuer(OrderNumberDeps{}); err == nil {
		t.Fatal("expected error without sequence repository")
	}
}
