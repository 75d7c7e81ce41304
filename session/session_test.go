package session_test

import (
	"testing"
	"time"

	"github.com/kizaibot/kizaibot/clock"
	"github.com/kizaibot/kizaibot/session"
)

func TestSetGetDelete(t *testing.T) {
	t.Parallel()
	c := clock.NewTest(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	r := session.New(c, time.Hour)
	k := session.Key{GuildID: "g1", UserID: "u1", Wizard: "setup"}

	if _, ok := r.Get(k); ok {
		t.Fatal("expected no session before Set")
	}
	r.Set(k, "step-1")
	got, ok := r.Get(k)
	if !ok || got != "step-1" {
		t.Fatalf("expected step-1, got %v (%v)", got, ok)
	}

	r.Delete(k)
	if _, ok := r.Get(k); ok {
		t.Fatal("expected session to be gone after Delete")
	}
}

func TestExpiryViaGet(t *testing.T) {
	t.Parallel()
	c := clock.NewTest(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	r := session.New(c, time.Hour)
	k := session.Key{GuildID: "g1", UserID: "u1", Wizard: "setup"}
	r.Set(k, "step-1")

	c.Advance(time.Hour + time.Minute)
	if _, ok := r.Get(k); ok {
		t.Fatal("expected session to have expired")
	}
	if r.Len() != 0 {
		t.Errorf("expected Get to have evicted the expired entry, Len=%d", r.Len())
	}
}

func TestGC(t *testing.T) {
	t.Parallel()
	c := clock.NewTest(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	r := session.New(c, time.Hour)
	r.Set(session.Key{GuildID: "g1", UserID: "u1", Wizard: "setup"}, "a")
	r.Set(session.Key{GuildID: "g1", UserID: "u2", Wizard: "setup"}, "b")

	c.Advance(30 * time.Minute)
	r.Set(session.Key{GuildID: "g1", UserID: "u3", Wizard: "setup"}, "c")

	c.Advance(40 * time.Minute) // u1/u2 now expired, u3 still alive
	if n := r.GC(); n != 2 {
		t.Fatalf("expected GC to drop 2 expired entries, dropped %d", n)
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 entry remaining, got %d", r.Len())
	}
}
