package transcript_test

import (
	"sync"
	"testing"

	"github.com/embercoach/voicelink/internal/transcript"
	"github.com/embercoach/voicelink/pkg/history"
)

func TestClean_StripsAnnotations(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"hello world", "hello world"},
		{"[noise] hello", "hello"},
		{"hello [laughter] world", "hello world"},
		{"[noise][music]", ""},
		{"  spaced   out  ", "spaced out"},
		{"edge [unclosed", "edge [unclosed"},
	}
	for _, c := range cases {
		if got := transcript.Clean(c.in); got != c.want {
			t.Errorf("Clean(%q) = %q; want %q", c.in, got, c.want)
		}
	}
}

func TestFinalizeTurn_UserThenAgent(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	a.AppendAgent("How are ")
	a.AppendAgent("you today?")
	a.AppendUser("I feel ")
	a.AppendUser("great")
	a.FinalizeTurn()

	entries := a.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries: got %d, want 2", len(entries))
	}
	if entries[0].Speaker != history.SpeakerUser || entries[0].Text != "I feel great" {
		t.Errorf("entry 0 = %+v; want user 'I feel great'", entries[0])
	}
	if entries[1].Speaker != history.SpeakerAgent || entries[1].Text != "How are you today?" {
		t.Errorf("entry 1 = %+v; want agent 'How are you today?'", entries[1])
	}
}

func TestFinalizeTurn_ClearsAccumulators(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	a.AppendUser("first turn")
	a.FinalizeTurn()
	a.AppendUser("second turn")
	a.FinalizeTurn()

	entries := a.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries: got %d, want 2", len(entries))
	}
	if entries[1].Text != "second turn" {
		t.Errorf("entry 1 text = %q; want 'second turn'", entries[1].Text)
	}
}

func TestFinalizeTurn_EmptyTurnAppendsNothing(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	a.FinalizeTurn()
	a.AppendUser("[noise]  ")
	a.FinalizeTurn()

	if entries := a.Entries(); len(entries) != 0 {
		t.Errorf("entries: got %v, want none", entries)
	}
}

func TestFinalizeTurn_OneSidedTurn(t *testing.T) {
	t.Parallel()

	// The agent opens the conversation before the user has spoken.
	a := transcript.New()
	a.AppendAgent("Welcome back.")
	a.FinalizeTurn()

	entries := a.Entries()
	if len(entries) != 1 {
		t.Fatalf("entries: got %d, want 1", len(entries))
	}
	if entries[0].Speaker != history.SpeakerAgent {
		t.Errorf("speaker = %q; want agent", entries[0].Speaker)
	}
}

func TestPartials(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	a.AppendUser("so I was ")
	a.AppendUser("thinking [noise]")
	a.AppendAgent("mm")

	user, agent := a.Partials()
	if user != "so I was thinking" {
		t.Errorf("user partial = %q", user)
	}
	if agent != "mm" {
		t.Errorf("agent partial = %q", agent)
	}
}

func TestEntries_ReturnsCopy(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	a.AppendUser("hello")
	a.FinalizeTurn()

	entries := a.Entries()
	entries[0].Text = "mutated"
	if got := a.Entries()[0].Text; got != "hello" {
		t.Errorf("internal state mutated through snapshot: %q", got)
	}
}

func TestAggregator_ConcurrentAppends(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 50 {
				a.AppendUser("u")
				a.AppendAgent("a")
			}
		})
	}
	wg.Wait()
	a.FinalizeTurn()

	entries := a.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries: got %d, want 2", len(entries))
	}
	if len(entries[0].Text) != 400 {
		t.Errorf("user text length = %d; want 400", len(entries[0].Text))
	}
}
