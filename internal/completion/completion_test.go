package completion

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/threadsync/threadsync/internal/bus"
	"github.com/threadsync/threadsync/internal/logging"
	"github.com/threadsync/threadsync/internal/schema"
	"github.com/threadsync/threadsync/internal/streaming"
)

// scripted emits fixed deltas, then fails if err is set.
type scripted struct {
	deltas []string
	err    error
}

func (s scripted) Complete(ctx context.Context, req Request, onDelta func(string)) (string, error) {
	full := ""
	for _, d := range s.deltas {
		full += d
		onDelta(d)
	}
	if s.err != nil {
		return "", s.err
	}
	return full, nil
}

func newRelay(t *testing.T, src Source) (*Relay, *streaming.Coordinator, *[]string) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)
	coord := streaming.New(b, &streaming.Config{Logger: logging.Nop()})

	var mu sync.Mutex
	var texts []string
	coord.Subscribe("t1", "m1", func(st bus.StreamState) {
		mu.Lock()
		defer mu.Unlock()
		if st.Done {
			texts = append(texts, "done:"+st.Text)
			return
		}
		texts = append(texts, st.Text)
	})
	return NewRelay(coord, src, logging.Nop()), coord, &texts
}

func TestPumpAccumulatesDeltas(t *testing.T) {
	r, coord, texts := newRelay(t, scripted{deltas: []string{"Hel", "lo", "", " there"}})

	final, err := r.Pump(context.Background(), Request{ThreadID: "t1", MessageID: "m1"})
	if err != nil {
		t.Fatalf("Pump failed: %v", err)
	}
	if final != "Hello there" {
		t.Errorf("final = %q", final)
	}

	want := []string{"", "Hel", "Hello", "Hello there", "done:Hello there"}
	if diff := cmp.Diff(want, *texts); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
	if st, _ := coord.State("t1", "m1"); !st.Done {
		t.Error("stream not ended")
	}
}

func TestPumpEndsStreamOnError(t *testing.T) {
	boom := errors.New("overloaded")
	r, coord, _ := newRelay(t, scripted{deltas: []string{"part"}, err: boom})

	partial, err := r.Pump(context.Background(), Request{ThreadID: "t1", MessageID: "m1"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
	if partial != "part" {
		t.Errorf("partial = %q", partial)
	}
	st, ok := coord.State("t1", "m1")
	if !ok || !st.Done || st.Text != "part" {
		t.Errorf("unexpected final state: %+v", st)
	}
}

func TestPumpRequiresIDs(t *testing.T) {
	r, _, _ := newRelay(t, scripted{})
	if _, err := r.Pump(context.Background(), Request{ThreadID: "t1"}); err == nil {
		t.Error("expected an error without a message id")
	}
}

func TestBuildPrompt(t *testing.T) {
	history := []schema.Message{
		{Role: schema.RoleSystem, Content: "Be brief."},
		{Role: schema.RoleUser, Content: "Hi"},
		{Role: schema.RoleData, Content: `{"tool":"search"}`},
		{Role: schema.RoleAssistant, Content: "Hello."},
		{Role: schema.RoleUser, Content: "   "},
		{Role: schema.RoleSystem, Content: "Use English."},
	}
	system, messages := buildPrompt(history)
	if system != "Be brief.\n\nUse English." {
		t.Errorf("system = %q", system)
	}
	if len(messages) != 2 {
		t.Errorf("messages = %d, want 2", len(messages))
	}
}
