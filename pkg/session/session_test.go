package session

import (
	"strings"
	"testing"
	"time"
)

func TestLoginLogout(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store)

	if m.IsLoggedIn() {
		t.Fatal("fresh manager should not be logged in")
	}

	m.Login(Profile{Name: "alice", Account: "a1"})
	if !m.IsLoggedIn() || m.Profile().Name != "alice" {
		t.Fatal("login did not take effect")
	}

	snap, _ := store.Load()
	if !snap.LoggedIn || snap.Profile.Name != "alice" || snap.LoginDate == 0 {
		t.Fatalf("login not persisted: %+v", snap)
	}

	m.Logout()
	if m.IsLoggedIn() {
		t.Fatal("logout did not clear session")
	}
	snap, _ = store.Load()
	if snap.LoggedIn {
		t.Fatal("logout did not clear store")
	}
}

func TestReloadExpiresOnDateRollover(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store)

	day1 := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return day1 })
	m.Login(Profile{Name: "bob"})

	// Same day: session survives a reload.
	if !m.Reload() {
		t.Fatal("same-day reload should keep the session")
	}

	// Next day: the persisted session has silently expired.
	m.SetClock(func() time.Time { return day1.AddDate(0, 0, 1) })
	if m.Reload() {
		t.Fatal("reload after date rollover should clear the session")
	}
	if m.IsLoggedIn() {
		t.Fatal("expired session still logged in")
	}
	snap, _ := store.Load()
	if snap.LoggedIn {
		t.Fatal("expired session still persisted")
	}
}

func TestUserInfoText(t *testing.T) {
	m := NewManager(NewMemoryStore())

	if got := m.UserInfoText(); got != "I am not logged in yet." {
		t.Fatalf("logged-out summary: %q", got)
	}

	m.Login(Profile{
		Name: "carol",
		Schedules: []Schedule{
			{Content: "standup", StatusText: "pending"},
			{Content: "review", StatusText: "done"},
		},
	})

	got := m.UserInfoText()
	if !strings.Contains(got, "carol") || !strings.Contains(got, "standup (pending)") {
		t.Fatalf("summary missing profile data: %q", got)
	}
	if !strings.HasSuffix(got, DisplaySuppressMarker) {
		t.Fatalf("summary must carry the suppress marker: %q", got)
	}
}
