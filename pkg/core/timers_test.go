package core

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/supremeagent/voicecore/pkg/device"
	"github.com/supremeagent/voicecore/pkg/protocol"
	"github.com/supremeagent/voicecore/pkg/session"
)

type fakeUploader struct {
	profile    session.Profile
	recognized bool
	err        error
	calls      int
}

func (f *fakeUploader) Upload([]byte) (session.Profile, bool, error) {
	f.calls++
	return f.profile, f.recognized, f.err
}

type fakeInspector struct {
	requests chan string
}

func newFakeInspector() *fakeInspector {
	return &fakeInspector{requests: make(chan string, 4)}
}

func (f *fakeInspector) RequestInspection(deviceID string) error {
	f.requests <- deviceID
	return nil
}

func (f *fakeInspector) count(wait time.Duration) int {
	deadline := time.After(wait)
	n := 0
	for {
		select {
		case <-f.requests:
			n++
		case <-deadline:
			return n
		}
	}
}

func TestInspectionFiresOncePerLogin(t *testing.T) {
	inspector := newFakeInspector()
	c, _ := newTestController(t, Deps{Inspector: inspector})

	c.pendingInspection = true
	c.loginTTSCompleted = true
	c.setDeviceState(device.StateListening)

	if got := inspector.count(100 * time.Millisecond); got != 1 {
		t.Fatalf("inspection requests = %d, want 1", got)
	}
	if c.pendingInspection || c.loginTTSCompleted {
		t.Fatal("firing must clear both flags")
	}

	// Re-entering Listening must not fire again.
	c.setDeviceState(device.StateIdle)
	c.setDeviceState(device.StateListening)
	if got := inspector.count(50 * time.Millisecond); got != 0 {
		t.Fatalf("inspection fired again: %d", got)
	}
}

func TestInspectionWaitsForLoginTTS(t *testing.T) {
	inspector := newFakeInspector()
	c, _ := newTestController(t, Deps{Inspector: inspector})

	// Pending but TTS not finished: entering Listening does nothing.
	c.pendingInspection = true
	c.setDeviceState(device.StateListening)
	if got := inspector.count(50 * time.Millisecond); got != 0 {
		t.Fatalf("inspection fired before login TTS completed: %d", got)
	}

	// The greeting ends, arming the one-shot flag.
	c.handleIncoming(ttsStop())
	drain(c)
	if !c.loginTTSCompleted {
		t.Fatal("tts stop should arm the completed flag")
	}

	c.setDeviceState(device.StateIdle)
	c.setDeviceState(device.StateListening)
	if got := inspector.count(100 * time.Millisecond); got != 1 {
		t.Fatalf("inspection requests = %d, want 1", got)
	}
}

func TestLoginRecognizedStartsGreetingFlow(t *testing.T) {
	c, fp := newTestController(t, Deps{})
	c.setDeviceState(device.StateLogin)

	c.onLoginRecognized(session.Profile{Name: "carol"})

	if !c.users.IsLoggedIn() {
		t.Fatal("recognized user should be logged in")
	}
	if c.State() != device.StateListening {
		t.Fatalf("state = %s, want listening", c.State())
	}
	if len(fp.wakeWords) != 1 {
		t.Fatalf("greeting wake word not sent: %v", fp.wakeWords)
	}
	if !c.pendingInspection {
		t.Fatal("login must arm the pending inspection flag")
	}
	if !c.logoutTimer.Armed() || !c.dailyTimer.Armed() {
		t.Fatal("login must arm the logout and daily-check timers")
	}
}

func TestLoginRecognizedOutsideLoginStateIsIgnored(t *testing.T) {
	c, _ := newTestController(t, Deps{})
	c.setDeviceState(device.StateIdle)

	c.onLoginRecognized(session.Profile{Name: "carol"})

	if c.users.IsLoggedIn() {
		t.Fatal("a stale recognition must not log anyone in")
	}
}

func TestUnactivatedDeviceShowsActivationPrompt(t *testing.T) {
	store := &fakeActivationStore{activated: false}
	c, _ := newTestController(t, Deps{
		Activation: store,
		Activator:  fakeActivator{code: "428163"},
	})
	c.loadActivationStatus()
	c.setDeviceState(device.StateLogin)

	c.onLoginRecognized(session.Profile{Name: "carol"})

	if c.State() != device.StateActivating {
		t.Fatalf("state = %s, want activating", c.State())
	}
	if _, text := simDisplay(c).ChatMessage(); !strings.Contains(text, "428163") {
		t.Fatalf("activation code not displayed: %q", text)
	}
}

type fakeActivationStore struct {
	activated bool
	saved     bool
}

func (f *fakeActivationStore) Load() (bool, error) { return f.activated, nil }
func (f *fakeActivationStore) Save(v bool) error   { f.activated, f.saved = v, true; return nil }

type fakeActivator struct{ code string }

func (f fakeActivator) ActivationCode() (string, bool) { return f.code, f.code != "" }

func TestMarkActivatedPersists(t *testing.T) {
	store := &fakeActivationStore{}
	c, _ := newTestController(t, Deps{Activation: store})

	c.MarkActivated()
	drain(c)

	if !c.activated || !store.saved || !store.activated {
		t.Fatal("activation not persisted")
	}
}

func TestUploadExhaustionShowsRegistrationPrompt(t *testing.T) {
	uploader := &fakeUploader{}
	c, _ := newTestController(t, Deps{Uploader: uploader})
	c.setDeviceState(device.StateLogin)

	c.uploadCount = c.cfg.MaxUploadCount
	c.uploadTick()

	if got := simDisplay(c).Status(); got != "Registration" {
		t.Fatalf("status = %q, want Registration", got)
	}
	_, text := simDisplay(c).ChatMessage()
	if !strings.Contains(text, "2b:c8:58") || !strings.Contains(text, "portal.example") {
		t.Fatalf("registration prompt missing device id or URL: %q", text)
	}
	if c.State() != device.StateIdle {
		t.Fatalf("state = %s, want idle", c.State())
	}
	if uploader.calls != 0 {
		t.Fatal("exhausted upload must not call the uploader")
	}
}

func TestUploadTickRecognitionLogsIn(t *testing.T) {
	uploader := &fakeUploader{profile: session.Profile{Name: "carol"}, recognized: true}
	c, _ := newTestController(t, Deps{Uploader: uploader})
	c.setDeviceState(device.StateLogin)

	c.uploadTick()

	// The upload round trip completes off-loop and schedules the login.
	deadline := time.Now().Add(2 * time.Second)
	for !c.users.IsLoggedIn() {
		drain(c)
		if time.Now().After(deadline) {
			t.Fatal("recognition never logged the user in")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if c.State() != device.StateListening {
		t.Fatalf("state = %s, want listening", c.State())
	}
}

func TestUploadErrorIsNonFatal(t *testing.T) {
	uploader := &fakeUploader{err: errors.New("server unreachable")}
	c, _ := newTestController(t, Deps{Uploader: uploader})
	c.setDeviceState(device.StateLogin)

	c.uploadTick()
	time.Sleep(20 * time.Millisecond)
	drain(c)

	if c.State() != device.StateLogin {
		t.Fatalf("state = %s, want login", c.State())
	}
	if c.users.IsLoggedIn() {
		t.Fatal("failed upload must not log anyone in")
	}
}

func TestAutoLogoutSequence(t *testing.T) {
	c, fp := newTestController(t, Deps{})
	c.users.Login(session.Profile{Name: "carol"})
	c.pendingInspection = true
	c.setDeviceState(device.StateListening)

	c.performAutoLogout()

	if c.users.IsLoggedIn() {
		t.Fatal("auto logout must clear the session")
	}
	if c.State() != device.StateIdle {
		t.Fatalf("state = %s, want idle", c.State())
	}
	if fp.stops != 1 {
		t.Fatalf("stop-listening sent %d times", fp.stops)
	}
	if c.pendingInspection || c.loginTTSCompleted {
		t.Fatal("logout must clear inspection flags")
	}
	if _, text := simDisplay(c).ChatMessage(); !strings.Contains(text, "logged out") {
		t.Fatalf("logout message not shown: %q", text)
	}
}

func TestDailyExpirationLogsOut(t *testing.T) {
	c, _ := newTestController(t, Deps{})
	day1 := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	c.users.SetClock(func() time.Time { return day1 })
	c.users.Login(session.Profile{Name: "carol"})
	c.setDeviceState(device.StateIdle)

	// Same day: nothing happens.
	c.checkDailyExpiration()
	if !c.users.IsLoggedIn() {
		t.Fatal("same-day check must keep the session")
	}

	// Date rollover: the persisted session expires.
	c.users.SetClock(func() time.Time { return day1.AddDate(0, 0, 1) })
	c.checkDailyExpiration()

	if c.users.IsLoggedIn() {
		t.Fatal("rollover must log the user out")
	}
	if _, text := simDisplay(c).ChatMessage(); !strings.Contains(text, "expired") {
		t.Fatalf("expiration message not shown: %q", text)
	}
}

func TestStandbyReconnectRevalidatesBeforeOpening(t *testing.T) {
	c, fp := newTestController(t, Deps{})
	c.cfg.StandbyConnectGrace = 10 * time.Millisecond
	c.users.Login(session.Profile{Name: "carol"})

	c.setDeviceState(device.StateIdle)
	time.Sleep(50 * time.Millisecond)
	drain(c)

	if fp.openCalls != 1 {
		t.Fatalf("standby channel open calls = %d, want 1", fp.openCalls)
	}
	if c.State() != device.StateIdle {
		t.Fatalf("standby open must not leave idle, state = %s", c.State())
	}

	// If the user logs out during the grace period, the open is skipped.
	fp2 := &fakeProtocol{}
	c2, _ := newTestController(t, Deps{})
	c2.cfg.StandbyConnectGrace = 10 * time.Millisecond
	c2.SetProtocol(fp2)
	c2.users.Login(session.Profile{Name: "carol"})
	c2.setDeviceState(device.StateIdle)
	c2.users.Logout()
	time.Sleep(50 * time.Millisecond)
	drain(c2)

	if fp2.openCalls != 0 {
		t.Fatalf("standby open must re-validate login, got %d calls", fp2.openCalls)
	}
}

func ttsStop() protocol.Inbound {
	return protocol.Inbound{Type: "tts", State: "stop"}
}
