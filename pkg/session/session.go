// Package session holds the in-memory user context consumed by the state
// machine: login status, a small cached profile, and today's schedules.
// Persistence is an external collaborator behind the Store interface.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mylxsw/asteria/log"
)

// DisplaySuppressMarker flags text that must not be shown on screen. It
// is appended to the user-info summary sent with wake-word messages and
// checked by the inbound STT filter.
const DisplaySuppressMarker = "hide"

// Schedule is one item of the user's daily agenda.
type Schedule struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	Date       string `json:"schedule_date"`
	Status     int    `json:"status"`
	StatusText string `json:"status_text"`
}

// Profile is the cached identity of the logged-in user.
type Profile struct {
	Name      string
	Account   string
	APIKey    string
	APIID     string
	UserID    int
	Schedules []Schedule
}

// Snapshot is the persisted form of a session. LoginDate encodes the
// login day as year*1000 + day-of-year so a date rollover is a plain
// integer comparison.
type Snapshot struct {
	LoggedIn  bool
	Profile   Profile
	LoginDate int
}

// Store is the persistence collaborator. Only the contract is in scope;
// the storage format is not.
type Store interface {
	Load() (Snapshot, error)
	Save(Snapshot) error
	Clear() error
}

// Manager owns the in-memory session and keeps it in sync with the Store.
type Manager struct {
	mu       sync.Mutex
	loggedIn bool
	profile  Profile
	store    Store
	now      func() time.Time
}

func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// SetClock overrides the time source; used by tests to simulate rollover.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func dateKey(t time.Time) int {
	return t.Year()*1000 + t.YearDay()
}

func (m *Manager) IsLoggedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loggedIn
}

func (m *Manager) Profile() Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}

// Login installs a fresh profile and persists it stamped with today's
// date.
func (m *Manager) Login(profile Profile) {
	m.mu.Lock()
	m.loggedIn = true
	m.profile = profile
	snap := Snapshot{LoggedIn: true, Profile: profile, LoginDate: dateKey(m.now())}
	store, name := m.store, profile.Name
	m.mu.Unlock()

	log.Infof("session: user %s logged in", name)
	if store != nil {
		if err := store.Save(snap); err != nil {
			log.Errorf("session: save failed: %v", err)
		}
	}
}

// Logout clears the session in memory and in the store.
func (m *Manager) Logout() {
	m.mu.Lock()
	name := m.profile.Name
	m.loggedIn = false
	m.profile = Profile{}
	store := m.store
	m.mu.Unlock()

	log.Infof("session: user %s logged out", name)
	if store != nil {
		if err := store.Clear(); err != nil {
			log.Errorf("session: clear failed: %v", err)
		}
	}
}

// Reload pulls the persisted session back into memory. A session whose
// login date no longer matches today is treated as silently expired and
// cleared. Returns whether a user is logged in afterwards.
func (m *Manager) Reload() bool {
	m.mu.Lock()
	store := m.store
	today := dateKey(m.now())
	m.mu.Unlock()

	if store == nil {
		return m.IsLoggedIn()
	}

	snap, err := store.Load()
	if err != nil {
		log.Errorf("session: load failed: %v", err)
		return m.IsLoggedIn()
	}

	if snap.LoggedIn && snap.LoginDate != today {
		log.Warningf("session: login date %d expired (today %d), clearing user", snap.LoginDate, today)
		if err := store.Clear(); err != nil {
			log.Errorf("session: clear failed: %v", err)
		}
		snap = Snapshot{}
	}

	m.mu.Lock()
	m.loggedIn = snap.LoggedIn
	m.profile = snap.Profile
	m.mu.Unlock()
	return snap.LoggedIn
}

// UserInfoText builds the natural-language profile summary attached to
// wake-word messages. The suppress marker keeps it off the screen.
func (m *Manager) UserInfoText() string {
	m.mu.Lock()
	loggedIn, profile := m.loggedIn, m.profile
	m.mu.Unlock()

	if !loggedIn {
		return "I am not logged in yet."
	}

	name := profile.Name
	if name == "" {
		name = "an unknown user"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "My name is %s. ", name)
	if len(profile.Schedules) == 0 {
		b.WriteString("I have no schedule today.")
	} else {
		b.WriteString("My schedule today: ")
		for i, s := range profile.Schedules {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s (%s)", s.Content, s.StatusText)
		}
		b.WriteString(".")
	}
	return b.String() + DisplaySuppressMarker
}

// MemoryStore is an in-process Store used by the development binary and
// tests.
type MemoryStore struct {
	mu   sync.Mutex
	snap Snapshot
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Load() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, nil
}

func (s *MemoryStore) Save(snap Snapshot) error {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	s.snap = Snapshot{}
	s.mu.Unlock()
	return nil
}
