package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/crosstalk/internal/config"
)

func TestNew_CopiesMemory(t *testing.T) {
	initial := map[string]any{"verified": true}
	s := New("s1", config.ModeText, initial)

	initial["verified"] = false
	s.Do(func() {
		if s.Memory["verified"] != true {
			t.Error("session memory should be a copy of the initial map")
		}
	})
}

func TestMergeMemory_LastWriterWins(t *testing.T) {
	s := New("s1", config.ModeText, nil)
	s.Do(func() {
		s.MergeMemory(map[string]any{"userName": "Jane", "verified": false})
		s.MergeMemory(map[string]any{"verified": true})

		if s.Memory["userName"] != "Jane" {
			t.Errorf("userName = %v", s.Memory["userName"])
		}
		if s.Memory["verified"] != true {
			t.Errorf("verified = %v; last writer must win", s.Memory["verified"])
		}
	})
}

func TestMergeMemory_FlattensNonScalars(t *testing.T) {
	s := New("s1", config.ModeText, nil)
	s.Do(func() {
		s.MergeMemory(map[string]any{
			"account": map[string]any{"number": "12345678"},
			"tags":    []string{"vip"},
			"plain":   "kept",
			"count":   3,
		})

		if got, ok := s.Memory["account"].(string); !ok || got != `{"number":"12345678"}` {
			t.Errorf("account = %#v; want JSON string", s.Memory["account"])
		}
		if got, ok := s.Memory["tags"].(string); !ok || got != `["vip"]` {
			t.Errorf("tags = %#v; want JSON string", s.Memory["tags"])
		}
		if s.Memory["plain"] != "kept" {
			t.Errorf("plain = %v", s.Memory["plain"])
		}
		if s.Memory["count"] != 3 {
			t.Errorf("count = %v; scalars must pass through", s.Memory["count"])
		}
	})
}

func TestClaimToolCall_SingleFlight(t *testing.T) {
	s := New("s1", config.ModeText, nil)
	s.Do(func() {
		if !s.ClaimToolCall("tu-1") {
			t.Fatal("first claim should succeed")
		}
		if s.ClaimToolCall("tu-1") {
			t.Error("duplicate claim should fail")
		}
		if !s.ClaimToolCall("tu-2") {
			t.Error("distinct id should succeed")
		}
		if !s.ClaimToolResult("tu-1") {
			t.Error("first result claim should succeed")
		}
		if s.ClaimToolResult("tu-1") {
			t.Error("duplicate result claim should fail")
		}
	})
}

func TestRecordError_SlidingWindow(t *testing.T) {
	s := New("s1", config.ModeText, nil)
	base := time.Now()
	window := 10 * time.Second

	s.Do(func() {
		for i := range 4 {
			if got := s.RecordError(base.Add(time.Duration(i)*time.Second), window); got != i+1 {
				t.Fatalf("count after error %d = %d; want %d", i+1, got, i+1)
			}
		}
		// 15 s later the first four have aged out.
		if got := s.RecordError(base.Add(15*time.Second), window); got != 1 {
			t.Errorf("count after quiet period = %d; want 1", got)
		}
	})
}

func TestLastUserUtterance_SkipsNonFinal(t *testing.T) {
	s := New("s1", config.ModeText, nil)
	s.Do(func() {
		s.AppendTurn(Turn{Role: "user", Text: "first", Final: true})
		s.AppendTurn(Turn{Role: "assistant", Text: "reply", Final: true})
		s.AppendTurn(Turn{Role: "user", Text: "partial", Final: false})

		if got := s.LastUserUtterance(); got != "first" {
			t.Errorf("LastUserUtterance = %q; want first", got)
		}
	})
}

func TestWindow_ReturnsLastFinalTurnsInOrder(t *testing.T) {
	s := New("s1", config.ModeText, nil)
	s.Do(func() {
		s.AppendTurn(Turn{Role: "user", Text: "a", Final: true})
		s.AppendTurn(Turn{Role: "assistant", Text: "b", Final: true})
		s.AppendTurn(Turn{Role: "assistant", Text: "draft", Final: false})
		s.AppendTurn(Turn{Role: "user", Text: "c", Final: true})

		got := s.Window(2)
		if len(got) != 2 || got[0].Text != "b" || got[1].Text != "c" {
			t.Errorf("Window(2) = %+v; want [b c]", got)
		}
	})
}

// ── Store ──────────────────────────────────────────────────────────────────────

func TestStore_CreateDuplicateFails(t *testing.T) {
	st := NewStore()
	if err := st.Create(New("s1", config.ModeText, nil)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := st.Create(New("s1", config.ModeText, nil))
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate Create = %v; want ErrAlreadyExists", err)
	}
}

func TestStore_CreateDeleteCreate(t *testing.T) {
	st := NewStore()
	if err := st.Create(New("s1", config.ModeText, nil)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	st.Delete("s1")
	if err := st.Create(New("s1", config.ModeText, nil)); err != nil {
		t.Errorf("Create after Delete: %v", err)
	}
}

func TestStore_DeleteIdempotentAndRunsReleasers(t *testing.T) {
	st := NewStore()
	s := New("s1", config.ModeVoice, nil)
	if err := st.Create(s); err != nil {
		t.Fatalf("Create: %v", err)
	}

	released := 0
	st.OnDelete("s1", func(got *Session) {
		released++
		if got != s {
			t.Error("releaser received wrong session")
		}
		if !got.Terminated() {
			t.Error("session should be terminated before releasers run")
		}
	})

	st.Delete("s1")
	st.Delete("s1")

	if released != 1 {
		t.Errorf("releaser ran %d times; want 1", released)
	}
	if st.Get("s1") != nil {
		t.Error("Get after Delete should return nil")
	}
	if !s.Terminated() {
		t.Error("deleted session should be terminated")
	}
}

func TestStore_ConcurrentDistinctSessions(t *testing.T) {
	st := NewStore()

	var wg sync.WaitGroup
	for i := range 32 {
		id := string(rune('a' + i%26))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = st.Create(New(id, config.ModeText, nil))
			_ = st.Get(id)
			st.Delete(id)
		}()
	}
	wg.Wait()

	if st.Len() != 0 {
		t.Errorf("Len = %d; want 0", st.Len())
	}
}
