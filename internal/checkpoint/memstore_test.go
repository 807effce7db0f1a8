package checkpoint

import (
	"context"
	"testing"
)

func TestHistoryStartsEmpty(t *testing.T) {
	t.Parallel()

	s := NewMemStore()
	msgs, err := s.History(context.Background(), "t1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("unknown thread: want empty history, got %d messages", len(msgs))
	}
}

func TestAppendPreservesOrderPerThread(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemStore()
	if err := s.Append(ctx, "t1", Message{Role: RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, "t2", Message{Role: RoleUser, Content: "other thread"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, "t1",
		Message{Role: RoleAssistant, Content: "hello"},
		Message{Role: RoleUser, Content: "how are you"},
	); err != nil {
		t.Fatalf("Append: %v", err)
	}

	msgs, err := s.History(ctx, "t1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	want := []string{"hi", "hello", "how are you"}
	if len(msgs) != len(want) {
		t.Fatalf("want %d messages, got %d", len(want), len(msgs))
	}
	for i, w := range want {
		if msgs[i].Content != w {
			t.Errorf("message %d: want %q, got %q", i, w, msgs[i].Content)
		}
		if msgs[i].Timestamp.IsZero() {
			t.Errorf("message %d: timestamp not filled", i)
		}
	}
}

func TestHistoryReturnsCopy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemStore()
	_ = s.Append(ctx, "t1", Message{Role: RoleUser, Content: "original"})

	msgs, _ := s.History(ctx, "t1")
	msgs[0].Content = "mutated"

	again, _ := s.History(ctx, "t1")
	if again[0].Content != "original" {
		t.Error("History exposed internal state to mutation")
	}
}

func TestSuspensionLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemStore()

	got, err := s.Suspension(ctx, "t1")
	if err != nil {
		t.Fatalf("Suspension: %v", err)
	}
	if got != nil {
		t.Fatalf("fresh thread: want nil suspension, got %+v", got)
	}

	if err := s.SetSuspension(ctx, "t1", Suspension{Token: "tok-1", Prompt: "name?"}); err != nil {
		t.Fatalf("SetSuspension: %v", err)
	}
	got, _ = s.Suspension(ctx, "t1")
	if got == nil || got.Token != "tok-1" || got.Prompt != "name?" {
		t.Fatalf("want {tok-1 name?}, got %+v", got)
	}

	// Replacing overwrites.
	_ = s.SetSuspension(ctx, "t1", Suspension{Token: "tok-2", Prompt: "age?"})
	got, _ = s.Suspension(ctx, "t1")
	if got == nil || got.Token != "tok-2" {
		t.Fatalf("want replaced suspension tok-2, got %+v", got)
	}

	if err := s.ClearSuspension(ctx, "t1"); err != nil {
		t.Fatalf("ClearSuspension: %v", err)
	}
	got, _ = s.Suspension(ctx, "t1")
	if got != nil {
		t.Errorf("after clear: want nil, got %+v", got)
	}

	// Clearing again is a no-op.
	if err := s.ClearSuspension(ctx, "t1"); err != nil {
		t.Errorf("double clear: %v", err)
	}
}
