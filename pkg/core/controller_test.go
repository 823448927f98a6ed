package core

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/supremeagent/voicecore/pkg/board"
	"github.com/supremeagent/voicecore/pkg/device"
	"github.com/supremeagent/voicecore/pkg/protocol"
	"github.com/supremeagent/voicecore/pkg/scheduler"
	"github.com/supremeagent/voicecore/pkg/session"
	"github.com/supremeagent/voicecore/pkg/tools"
)

// fakeProtocol records every call the controller makes. onClosed, when
// set, fires synchronously from CloseAudioChannel the way the real
// bindings invoke OnChannelClosed.
type fakeProtocol struct {
	mu sync.Mutex

	onClosed func()

	started   bool
	opened    bool
	openCalls int
	openErr   error
	closes    int
	state     device.State

	audioPackets int
	aborts       []device.AbortReason
	startModes   []device.ListeningMode
	stops        int
	wakeWords    []string
	userInfos    []string
	mcpPayloads  []json.RawMessage
}

func (f *fakeProtocol) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeProtocol) SendAudio([]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioPackets++
	return nil
}

func (f *fakeProtocol) SendAbortSpeaking(reason device.AbortReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts = append(f.aborts, reason)
	return nil
}

func (f *fakeProtocol) SendWakeWordDetected(wakeWord, userInfo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wakeWords = append(f.wakeWords, wakeWord)
	f.userInfos = append(f.userInfos, userInfo)
	return nil
}

func (f *fakeProtocol) SendStartListening(mode device.ListeningMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startModes = append(f.startModes, mode)
	return nil
}

func (f *fakeProtocol) SendStopListening() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeProtocol) SendMcpMessage(payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mcpPayloads = append(f.mcpPayloads, payload)
	return nil
}

func (f *fakeProtocol) OpenAudioChannel() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls++
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	return nil
}

func (f *fakeProtocol) CloseAudioChannel() {
	f.mu.Lock()
	wasOpened := f.opened
	if f.opened {
		f.closes++
	}
	f.opened = false
	f.mu.Unlock()
	if wasOpened && f.onClosed != nil {
		f.onClosed()
	}
}

func (f *fakeProtocol) IsAudioChannelOpened() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

func (f *fakeProtocol) SetDeviceState(state device.State) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
}

func (f *fakeProtocol) SessionID() string { return "test-session" }
func (f *fakeProtocol) Close()            {}

var _ protocol.Protocol = (*fakeProtocol)(nil)

func newTestController(t *testing.T, deps Deps) (*Controller, *fakeProtocol) {
	t.Helper()
	brd := board.NewSimBoard()
	users := session.NewManager(session.NewMemoryStore())
	cfg := Config{
		Version:             "test",
		RegistrationURL:     "https://portal.example/register",
		StandbyConnectGrace: time.Hour, // never fires unless a test rearms it
	}
	c := New(cfg, brd, users, deps)
	c.loadActivationStatus()
	fp := &fakeProtocol{}
	c.SetProtocol(fp)
	t.Cleanup(c.Close)
	return c, fp
}

func drain(c *Controller) {
	for c.step() {
	}
}

func simDisplay(c *Controller) *board.SimDisplay {
	return c.brd.Display.(*board.SimDisplay)
}

func TestTTSSentenceStartMovesIdleToSpeaking(t *testing.T) {
	c, _ := newTestController(t, Deps{})
	c.setDeviceState(device.StateIdle)

	c.handleIncoming(protocol.Inbound{Type: "tts", State: "start"})
	c.handleIncoming(protocol.Inbound{Type: "tts", State: "sentence_start", Text: "Hello"})
	drain(c)

	if c.State() != device.StateSpeaking {
		t.Fatalf("state = %s, want speaking", c.State())
	}
	role, text := simDisplay(c).ChatMessage()
	if role != "assistant" || text != "Hello" {
		t.Fatalf("display shows %s/%q", role, text)
	}
}

func TestSentenceStartWithoutActiveSessionKeepsState(t *testing.T) {
	c, _ := newTestController(t, Deps{})
	c.setDeviceState(device.StateIdle)

	c.handleIncoming(protocol.Inbound{Type: "tts", State: "sentence_start", Text: "stale"})
	drain(c)

	if c.State() != device.StateIdle {
		t.Fatalf("state = %s, want idle", c.State())
	}
}

func TestTTSStopResumesByListeningMode(t *testing.T) {
	cases := []struct {
		mode device.ListeningMode
		want device.State
	}{
		{device.ListeningAutoStop, device.StateListening},
		{device.ListeningRealtime, device.StateListening},
		{device.ListeningManualStop, device.StateIdle},
	}
	for _, tc := range cases {
		c, _ := newTestController(t, Deps{})
		c.listeningMode = tc.mode
		c.ttsActive = true
		c.setDeviceState(device.StateSpeaking)

		c.handleIncoming(protocol.Inbound{Type: "tts", State: "stop"})
		drain(c)

		if c.State() != tc.want {
			t.Fatalf("mode %s: state = %s, want %s", tc.mode, c.State(), tc.want)
		}
	}
}

func TestSameStateSetIsNoOp(t *testing.T) {
	c, _ := newTestController(t, Deps{})
	ch, cancel := c.Subscribe()
	defer cancel()

	c.setDeviceState(device.StateIdle)
	c.setDeviceState(device.StateIdle)

	select {
	case ev := <-ch:
		if ev.Current != device.StateIdle {
			t.Fatalf("unexpected event %+v", ev)
		}
	default:
		t.Fatal("first set should publish a state change")
	}
	select {
	case ev := <-ch:
		t.Fatalf("second set must not publish, got %+v", ev)
	default:
	}
}

func TestWakeWordWithoutLoginEntersLoginState(t *testing.T) {
	c, fp := newTestController(t, Deps{})
	fp.opened = true // standby channel
	c.setDeviceState(device.StateIdle)

	c.loop.Raise(scheduler.SignalWakeWord)
	drain(c)

	if c.State() != device.StateLogin {
		t.Fatalf("state = %s, want login", c.State())
	}
	if fp.openCalls != 0 {
		t.Fatal("login entry must not open an audio channel")
	}
	if fp.closes != 1 {
		t.Fatal("standby channel must be closed before login")
	}
	if got := simDisplay(c).Status(); got != "2B_C8_58" {
		t.Fatalf("device code = %q", got)
	}
}

func TestWakeWordWithLoginOpensConversation(t *testing.T) {
	c, fp := newTestController(t, Deps{})
	c.users.Login(session.Profile{Name: "carol"})
	c.setDeviceState(device.StateIdle)
	drain(c)

	c.loop.Raise(scheduler.SignalWakeWord)
	drain(c)

	if c.State() != device.StateListening {
		t.Fatalf("state = %s, want listening", c.State())
	}
	if fp.openCalls != 1 || !fp.opened {
		t.Fatalf("audio channel not opened: %d calls", fp.openCalls)
	}
	if len(fp.wakeWords) != 1 || fp.wakeWords[0] != "hey there" {
		t.Fatalf("wake word not sent: %v", fp.wakeWords)
	}
	if len(fp.userInfos) != 1 || fp.userInfos[0] == "" {
		t.Fatal("user info summary missing")
	}
	// AEC off picks auto-stop listening.
	if len(fp.startModes) != 1 || fp.startModes[0] != device.ListeningAutoStop {
		t.Fatalf("start modes = %v", fp.startModes)
	}
}

func TestWakeWordWhileSpeakingAborts(t *testing.T) {
	c, fp := newTestController(t, Deps{})
	c.ttsActive = true
	c.setDeviceState(device.StateSpeaking)

	c.loop.Raise(scheduler.SignalWakeWord)
	drain(c)

	if len(fp.aborts) != 1 || fp.aborts[0] != device.AbortReasonWakeWordDetected {
		t.Fatalf("aborts = %v", fp.aborts)
	}
}

func TestNetworkErrorReturnsToIdleWithAlert(t *testing.T) {
	c, _ := newTestController(t, Deps{})
	c.setDeviceState(device.StateConnecting)

	c.onNetworkError("server did not respond in time")
	drain(c)

	if c.State() != device.StateIdle {
		t.Fatalf("state = %s, want idle", c.State())
	}
	if got := simDisplay(c).Status(); got != "error" {
		t.Fatalf("status = %q, want error alert", got)
	}
	role, text := simDisplay(c).ChatMessage()
	if role != "system" || text != "server did not respond in time" {
		t.Fatalf("alert message %s/%q", role, text)
	}
}

func TestToggleChatStateFromListeningStops(t *testing.T) {
	c, fp := newTestController(t, Deps{})
	c.setDeviceState(device.StateListening)

	c.ToggleChatState()
	drain(c)

	if fp.stops != 1 {
		t.Fatalf("stop-listening sent %d times", fp.stops)
	}
	if c.State() != device.StateIdle {
		t.Fatalf("state = %s, want idle", c.State())
	}
}

func TestConversationStartSurvivesStandbyChannelClose(t *testing.T) {
	c, fp := newTestController(t, Deps{})
	fp.onClosed = c.ProtocolHandlers().OnChannelClosed
	c.users.Login(session.Profile{Name: "carol"})
	c.setDeviceState(device.StateIdle)
	drain(c)

	// The standby reconnect left a channel open; toggling must replace it
	// with a fresh one and stay in the conversation.
	fp.opened = true
	c.ToggleChatState()
	drain(c)

	if c.State() != device.StateListening {
		t.Fatalf("state = %s, want listening", c.State())
	}
	if fp.closes != 1 || fp.openCalls != 1 {
		t.Fatalf("channel churn: %d closes, %d opens", fp.closes, fp.openCalls)
	}
}

func TestChannelCloseWithoutReplacementReturnsToIdle(t *testing.T) {
	c, fp := newTestController(t, Deps{})
	fp.onClosed = c.ProtocolHandlers().OnChannelClosed
	fp.opened = true
	c.setDeviceState(device.StateListening)

	fp.CloseAudioChannel()
	drain(c)

	if c.State() != device.StateIdle {
		t.Fatalf("state = %s, want idle", c.State())
	}
}

func TestSetAecModeClosesOpenChannel(t *testing.T) {
	c, fp := newTestController(t, Deps{})
	fp.opened = true

	c.SetAecMode(device.AecOnServer)
	drain(c)

	if fp.closes != 1 {
		t.Fatal("changing AEC mode must close the open channel")
	}
	if c.conversationMode() != device.ListeningRealtime {
		t.Fatal("AEC on picks realtime listening")
	}
}

func TestSensitiveTranscriptNeverReachesDisplay(t *testing.T) {
	c, _ := newTestController(t, Deps{})
	c.setDeviceState(device.StateListening)
	simDisplay(c).SetChatMessage("", "")

	c.handleIncoming(protocol.Inbound{Type: "stt", Text: `my api_key is 123`})
	drain(c)
	if _, text := simDisplay(c).ChatMessage(); text != "" {
		t.Fatalf("sensitive transcript displayed: %q", text)
	}

	c.handleIncoming(protocol.Inbound{Type: "stt", Text: "turn on the lights"})
	drain(c)
	if role, text := simDisplay(c).ChatMessage(); role != "user" || text != "turn on the lights" {
		t.Fatalf("plain transcript not displayed: %s/%q", role, text)
	}
}

func TestMcpPayloadReachesToolServer(t *testing.T) {
	c, fp := newTestController(t, Deps{})
	c.registerCommonTools()

	c.handleIncoming(protocol.Inbound{
		Type:    "mcp",
		Payload: json.RawMessage(`{"jsonrpc":"2.0","method":"tools/call","id":9,"params":{"name":"self.audio_speaker.set_volume","arguments":{"volume":50}}}`),
	})
	c.srv.Close()

	if got := c.brd.Speaker.Volume(); got != 50 {
		t.Fatalf("volume = %d, want 50", got)
	}
	if len(fp.mcpPayloads) != 1 {
		t.Fatalf("expected one relayed reply, got %d", len(fp.mcpPayloads))
	}
	var reply map[string]any
	if err := json.Unmarshal(fp.mcpPayloads[0], &reply); err != nil {
		t.Fatal(err)
	}
	if reply["result"] != true || reply["id"] != float64(9) {
		t.Fatalf("unexpected reply: %v", reply)
	}
}

func TestCommonToolsFormStableDescriptorPrefix(t *testing.T) {
	c, _ := newTestController(t, Deps{})
	c.srv.AddFunc("lamp.set_power", "Turn the desk lamp on or off.",
		tools.Properties{tools.Bool("power")},
		func(tools.Properties) (any, error) { return true, nil })

	c.registerCommonTools()

	list := c.srv.Tools()
	if len(list) < 2 {
		t.Fatalf("registry holds %d tools", len(list))
	}
	if list[0].Name != "self.get_device_status" {
		t.Fatalf("first tool = %s, want self.get_device_status", list[0].Name)
	}
	if last := list[len(list)-1].Name; last != "lamp.set_power" {
		t.Fatalf("earlier registration must re-append after the common tools, got %s last", last)
	}
}

func TestUnknownMessageTypeIsIgnored(t *testing.T) {
	c, _ := newTestController(t, Deps{})
	c.setDeviceState(device.StateIdle)

	c.handleIncoming(protocol.Inbound{Type: "telemetry"})
	drain(c)

	if c.State() != device.StateIdle {
		t.Fatalf("state = %s, want idle", c.State())
	}
}

func TestCanEnterSleepMode(t *testing.T) {
	c, fp := newTestController(t, Deps{})
	c.setDeviceState(device.StateIdle)
	if !c.CanEnterSleepMode() {
		t.Fatal("idle with closed channel should allow sleep")
	}
	fp.opened = true
	if c.CanEnterSleepMode() {
		t.Fatal("open channel should block sleep")
	}
}

func TestDeviceCodeFromMAC(t *testing.T) {
	if got := deviceCodeFromMAC("94:a9:90:2b:c8:58"); got != "2B_C8_58" {
		t.Fatalf("device code = %q", got)
	}
	if got := deviceCodeFromMAC("bogus"); got != "DEVICE" {
		t.Fatalf("fallback code = %q", got)
	}
	if got := deviceIDFromMAC("94:a9:90:2b:c8:58"); got != "2b:c8:58" {
		t.Fatalf("device id = %q", got)
	}
}
