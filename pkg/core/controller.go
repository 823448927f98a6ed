// Package core wires the scheduler, device state machine, protocol, tool
// server, session manager and timers into the control loop that drives a
// voice-interactive device.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mylxsw/asteria/log"

	"github.com/supremeagent/voicecore/pkg/board"
	"github.com/supremeagent/voicecore/pkg/device"
	"github.com/supremeagent/voicecore/pkg/protocol"
	"github.com/supremeagent/voicecore/pkg/scheduler"
	"github.com/supremeagent/voicecore/pkg/session"
	"github.com/supremeagent/voicecore/pkg/timerset"
	"github.com/supremeagent/voicecore/pkg/tools"
)

var ErrNoProtocol = errors.New("no protocol binding installed")

// Config tunes the controller's timers and identity. Zero values fall
// back to production defaults.
type Config struct {
	Version         string
	AecMode         device.AecMode
	RegistrationURL string

	ClockTick             time.Duration
	CameraPreviewInterval time.Duration
	CameraUploadInterval  time.Duration
	MaxUploadCount        int
	InspectionDelay       time.Duration
	AutoLogoutAfter       time.Duration
	DailyCheckInterval    time.Duration
	StandbyConnectGrace   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.ClockTick <= 0 {
		c.ClockTick = time.Second
	}
	if c.CameraPreviewInterval <= 0 {
		c.CameraPreviewInterval = 500 * time.Millisecond
	}
	if c.CameraUploadInterval <= 0 {
		c.CameraUploadInterval = 3 * time.Second
	}
	if c.MaxUploadCount <= 0 {
		c.MaxUploadCount = 10
	}
	if c.InspectionDelay <= 0 {
		c.InspectionDelay = 60 * time.Second
	}
	if c.AutoLogoutAfter <= 0 {
		c.AutoLogoutAfter = 24 * time.Hour
	}
	if c.DailyCheckInterval <= 0 {
		c.DailyCheckInterval = time.Hour
	}
	if c.StandbyConnectGrace <= 0 {
		c.StandbyConnectGrace = 5 * time.Second
	}
	return c
}

// PhotoUploader submits a captured frame for recognition. recognized
// reports whether the server identified a user.
type PhotoUploader interface {
	Upload(frame []byte) (profile session.Profile, recognized bool, err error)
}

// Inspector delivers the post-login inspection request to the server.
type Inspector interface {
	RequestInspection(deviceID string) error
}

// ActivationStore persists the device activation flag.
type ActivationStore interface {
	Load() (bool, error)
	Save(activated bool) error
}

// Activator fetches an activation code for an unactivated device.
type Activator interface {
	ActivationCode() (code string, ok bool)
}

// UpgradeChecker probes for and applies firmware updates.
type UpgradeChecker interface {
	Check() (version string, hasUpdate bool, err error)
	Apply(version string) error
}

// Deps are the controller's optional external collaborators; nil members
// disable the corresponding behavior.
type Deps struct {
	Uploader   PhotoUploader
	Inspector  Inspector
	Activation ActivationStore
	Activator  Activator
	Upgrader   UpgradeChecker
	Reboot     func()
}

// Controller is the single-threaded owner of device state. All mutation
// happens on the scheduler loop; producers reach it through Schedule or
// the signal set.
type Controller struct {
	cfg      Config
	loop     *scheduler.Loop
	handlers scheduler.Handlers
	brd      *board.Board
	users    *session.Manager
	deps     Deps

	proto    protocol.Protocol
	srv      *tools.Server
	notifier *device.Notifier

	// state is the cross-thread snapshot; timer callbacks read it to gate
	// work before marshaling onto the loop, which re-validates.
	state atomic.Int32

	errMu     sync.Mutex
	lastError string

	// Loop-owned fields, never touched off-loop.
	listeningMode     device.ListeningMode
	aecMode           device.AecMode
	ttsActive         bool
	pendingInspection bool
	loginTTSCompleted bool
	clockTicks        int
	uploadCount       int
	activated         bool

	clockTimer      *timerset.Timer
	previewTimer    *timerset.Timer
	uploadTimer     *timerset.Timer
	inspectionTimer *timerset.Timer
	logoutTimer     *timerset.Timer
	dailyTimer      *timerset.Timer
	standbyTimer    *timerset.Timer
}

func New(cfg Config, brd *board.Board, users *session.Manager, deps Deps) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		cfg:      cfg,
		loop:     scheduler.New(),
		brd:      brd,
		users:    users,
		deps:     deps,
		notifier: device.NewNotifier(),
		aecMode:  cfg.AecMode,

		clockTimer:      timerset.New("clock"),
		previewTimer:    timerset.New("camera_preview"),
		uploadTimer:     timerset.New("camera_upload"),
		inspectionTimer: timerset.New("inspection"),
		logoutTimer:     timerset.New("auto_logout"),
		dailyTimer:      timerset.New("daily_check"),
		standbyTimer:    timerset.New("standby_connect"),
	}
	c.handlers = scheduler.Handlers{
		OnError:     c.onError,
		OnSendAudio: c.onSendAudio,
		OnWakeWord:  c.onWakeWord,
		OnVadChange: c.onVadChange,
	}
	c.srv = tools.NewServer(brd.Name, cfg.Version, c.sendToolReply)
	if brd.Camera != nil {
		c.srv.SetVisionTarget(brd.Camera)
	}
	c.state.Store(int32(device.StateUnknown))
	return c
}

// SetProtocol installs the protocol binding. Must happen before Start.
func (c *Controller) SetProtocol(p protocol.Protocol) {
	c.proto = p
}

// ProtocolHandlers exposes the inbound callbacks a binding must be
// constructed with.
func (c *Controller) ProtocolHandlers() protocol.Handlers {
	return protocol.Handlers{
		OnIncomingJSON:  c.handleIncoming,
		OnIncomingAudio: c.onIncomingAudio,
		OnChannelOpened: c.onChannelOpened,
		OnChannelClosed: c.onChannelClosed,
		OnNetworkError:  c.onNetworkError,
	}
}

// State returns the current device state. Safe from any goroutine.
func (c *Controller) State() device.State {
	return device.State(c.state.Load())
}

// Tools exposes the tool server.
func (c *Controller) Tools() *tools.Server { return c.srv }

// Subscribe returns a state-change stream and its cancel func.
func (c *Controller) Subscribe() (<-chan device.StateChange, func()) {
	return c.notifier.Subscribe()
}

// Schedule submits a task to the main loop.
func (c *Controller) Schedule(task scheduler.Task) {
	c.loop.Schedule(task)
}

// Start brings the controller up: session restore, common tools, the
// upgrade probe, protocol bring-up and the clock timer. It runs before
// the loop, so state mutation here is single-threaded.
func (c *Controller) Start() error {
	if c.proto == nil {
		return ErrNoProtocol
	}

	c.loadActivationStatus()
	if c.users.Reload() {
		log.Infof("core: user %s restored from persisted session", c.users.Profile().Name)
		c.startDailyCheckTimer()
	}

	c.setDeviceState(device.StateStarting)
	c.brd.Audio.Start()
	c.registerCommonTools()

	if done := c.checkUpgrade(); done {
		return nil
	}

	if err := c.proto.Start(); err != nil {
		log.Errorf("core: protocol start failed: %v", err)
		c.alert("error", err.Error(), "sad")
	}

	c.startClockTimer()
	c.setDeviceState(device.StateIdle)
	c.brd.Display.ShowNotification("version " + c.cfg.Version)
	return nil
}

// Run blocks servicing the loop until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	c.loop.Run(ctx, c.handlers)
}

// step services one pending event without blocking; used by tests.
func (c *Controller) step() bool {
	return c.loop.Step(c.handlers)
}

// Close stops timers, joins tool workers and shuts the protocol down.
func (c *Controller) Close() {
	for _, t := range []*timerset.Timer{
		c.clockTimer, c.previewTimer, c.uploadTimer, c.inspectionTimer,
		c.logoutTimer, c.dailyTimer, c.standbyTimer,
	} {
		t.Stop()
	}
	c.srv.Close()
	if c.proto != nil {
		c.proto.Close()
	}
	c.brd.Audio.Stop()
	c.notifier.Close()
}

// setDeviceState transitions the state machine and runs the new state's
// entry actions. Setting the current state again is a no-op. Loop-owned.
func (c *Controller) setDeviceState(state device.State) {
	previous := c.State()
	if previous == state {
		return
	}

	c.clockTicks = 0
	c.state.Store(int32(state))
	log.Infof("core: state %s -> %s", previous, state)

	if c.proto != nil {
		c.proto.SetDeviceState(state)
	}
	c.notifier.Publish(previous, state)
	c.brd.Led.OnStateChanged()

	display := c.brd.Display
	switch state {
	case device.StateUnknown, device.StateIdle:
		c.stopCameraPreview()
		c.stopCameraUpload()
		display.SetStatus("Standby")
		display.SetEmotion("neutral")
		display.SetChatMessage("system", "")
		c.brd.Audio.EnableVoiceProcessing(false)
		c.brd.Audio.EnableWakeWordDetection(true)
		if state == device.StateIdle && c.users.IsLoggedIn() &&
			c.proto != nil && !c.proto.IsAudioChannelOpened() {
			c.startStandbyConnectTimer()
		}

	case device.StateConnecting:
		c.stopCameraPreview()
		c.stopCameraUpload()
		display.SetStatus("Connecting")
		display.SetEmotion("neutral")
		display.SetChatMessage("system", "")

	case device.StateListening:
		c.stopCameraPreview()
		c.stopCameraUpload()
		display.SetStatus("Listening")
		display.SetEmotion("neutral")
		if c.pendingInspection && c.loginTTSCompleted {
			c.pendingInspection = false
			c.loginTTSCompleted = false
			c.requestInspection()
		}
		if !c.brd.Audio.IsVoiceProcessingRunning() {
			if err := c.proto.SendStartListening(c.listeningMode); err != nil {
				log.Errorf("core: start-listening send failed: %v", err)
			}
			c.brd.Audio.EnableVoiceProcessing(true)
			c.brd.Audio.EnableWakeWordDetection(false)
		}

	case device.StateSpeaking:
		c.stopCameraPreview()
		c.stopCameraUpload()
		display.SetStatus("Speaking")
		if c.listeningMode != device.ListeningRealtime {
			c.brd.Audio.EnableVoiceProcessing(false)
			// While speaking, only the AFE backend can still detect the
			// wake word reliably.
			c.brd.Audio.EnableWakeWordDetection(c.brd.Audio.WakeWordBackend() == board.WakeWordBackendAFE)
		}
		c.brd.Audio.ResetDecoder()

	case device.StateLogin:
		display.SetStatus(deviceCodeFromMAC(c.brd.MACAddress))
		display.SetEmotion("neutral")
		display.SetChatMessage("system", "Scanning face to log in")
		c.brd.Audio.EnableVoiceProcessing(false)
		c.brd.Audio.EnableWakeWordDetection(true)
		c.startCameraPreview()
		c.startCameraUpload()

	default:
		// No entry action.
	}
}

// setListeningMode records the mode for this conversation and enters
// Listening.
func (c *Controller) setListeningMode(mode device.ListeningMode) {
	c.listeningMode = mode
	c.setDeviceState(device.StateListening)
}

// SetAecMode changes echo cancellation. Any open channel is force-closed
// so the next conversation renegotiates with the new mode.
func (c *Controller) SetAecMode(mode device.AecMode) {
	c.Schedule(func() {
		c.aecMode = mode
		c.brd.Audio.EnableDeviceAec(mode == device.AecOnDevice)
		if c.proto != nil && c.proto.IsAudioChannelOpened() {
			c.proto.CloseAudioChannel()
		}
	})
}

// conversationMode picks the listening mode a wake word starts with.
func (c *Controller) conversationMode() device.ListeningMode {
	if c.aecMode == device.AecOff {
		return device.ListeningAutoStop
	}
	return device.ListeningRealtime
}

// ToggleChatState flips between conversation and standby depending on
// the current state.
func (c *Controller) ToggleChatState() {
	switch c.State() {
	case device.StateActivating:
		c.Schedule(func() { c.setDeviceState(device.StateIdle) })
		return
	case device.StateWifiConfiguring:
		c.Schedule(func() {
			c.brd.Audio.EnableAudioTesting(true)
			c.setDeviceState(device.StateAudioTesting)
		})
		return
	case device.StateAudioTesting:
		c.Schedule(func() {
			c.brd.Audio.EnableAudioTesting(false)
			c.setDeviceState(device.StateWifiConfiguring)
		})
		return
	}

	if c.proto == nil {
		log.Errorf("core: protocol not initialized")
		return
	}

	switch c.State() {
	case device.StateIdle:
		c.Schedule(func() { c.enterConversation(c.conversationMode()) })
	case device.StateSpeaking:
		c.Schedule(func() { c.abortSpeaking(device.AbortReasonNone) })
	case device.StateListening:
		c.Schedule(func() {
			if err := c.proto.SendStopListening(); err != nil {
				log.Errorf("core: stop-listening send failed: %v", err)
			}
			c.setDeviceState(device.StateIdle)
		})
	}
}

// StartListening forces a manual-stop conversation.
func (c *Controller) StartListening() {
	switch c.State() {
	case device.StateActivating:
		c.Schedule(func() { c.setDeviceState(device.StateIdle) })
		return
	case device.StateWifiConfiguring:
		c.Schedule(func() {
			c.brd.Audio.EnableAudioTesting(true)
			c.setDeviceState(device.StateAudioTesting)
		})
		return
	}

	if c.proto == nil {
		log.Errorf("core: protocol not initialized")
		return
	}

	switch c.State() {
	case device.StateIdle:
		c.Schedule(func() { c.enterConversation(device.ListeningManualStop) })
	case device.StateSpeaking:
		c.Schedule(func() {
			c.abortSpeaking(device.AbortReasonNone)
			c.setListeningMode(device.ListeningManualStop)
		})
	}
}

// StopListening ends the active conversation and returns to standby.
func (c *Controller) StopListening() {
	if c.State() == device.StateAudioTesting {
		c.Schedule(func() {
			c.brd.Audio.EnableAudioTesting(false)
			c.setDeviceState(device.StateWifiConfiguring)
		})
		return
	}

	switch c.State() {
	case device.StateListening, device.StateSpeaking, device.StateIdle:
		c.Schedule(func() {
			if c.State() == device.StateListening {
				if err := c.proto.SendStopListening(); err != nil {
					log.Errorf("core: stop-listening send failed: %v", err)
				}
				c.setDeviceState(device.StateIdle)
			}
		})
	}
}

// enterConversation closes any standby channel, opens a fresh one and
// enters Listening with the given mode. Loop-owned.
func (c *Controller) enterConversation(mode device.ListeningMode) {
	if c.proto.IsAudioChannelOpened() {
		log.Infof("core: closing standby channel to start a conversation")
		c.proto.CloseAudioChannel()
	}
	c.setDeviceState(device.StateConnecting)
	if err := c.proto.OpenAudioChannel(); err != nil {
		log.Errorf("core: open audio channel failed: %v", err)
		return
	}
	c.setListeningMode(mode)
}

// onWakeWord services the wake-word signal on the loop.
func (c *Controller) onWakeWord() {
	if c.proto == nil {
		return
	}

	switch c.State() {
	case device.StateIdle:
		if !c.users.IsLoggedIn() {
			if c.proto.IsAudioChannelOpened() {
				log.Infof("core: closing standby channel to enter login")
				c.proto.CloseAudioChannel()
			}
			c.setDeviceState(device.StateLogin)
			return
		}

		c.brd.Audio.EncodeWakeWord()
		if !c.proto.IsAudioChannelOpened() {
			c.setDeviceState(device.StateConnecting)
			if err := c.proto.OpenAudioChannel(); err != nil {
				c.brd.Audio.EnableWakeWordDetection(true)
				return
			}
		}
		c.sendWakeWord()
		c.setListeningMode(c.conversationMode())

	case device.StateSpeaking:
		c.abortSpeaking(device.AbortReasonWakeWordDetected)

	case device.StateActivating:
		c.setDeviceState(device.StateIdle)
	}
}

// sendWakeWord streams buffered wake-word audio and the detect message
// with the user-info summary.
func (c *Controller) sendWakeWord() {
	for {
		pkt, ok := c.brd.Audio.PopWakeWordPacket()
		if !ok {
			break
		}
		if err := c.proto.SendAudio(pkt); err != nil {
			break
		}
	}
	wakeWord := c.brd.Audio.LastWakeWord()
	log.Infof("core: wake word detected: %s", wakeWord)
	if err := c.proto.SendWakeWordDetected(wakeWord, c.users.UserInfoText()); err != nil {
		log.Errorf("core: wake-word send failed: %v", err)
	}
}

func (c *Controller) abortSpeaking(reason device.AbortReason) {
	log.Infof("core: abort speaking")
	if err := c.proto.SendAbortSpeaking(reason); err != nil {
		log.Errorf("core: abort send failed: %v", err)
	}
}

func (c *Controller) onSendAudio() {
	for {
		pkt, ok := c.brd.Audio.PopSendPacket()
		if !ok {
			return
		}
		if err := c.proto.SendAudio(pkt); err != nil {
			return
		}
	}
}

func (c *Controller) onVadChange() {
	if c.State() == device.StateListening {
		c.brd.Led.OnStateChanged()
	}
}

func (c *Controller) onError() {
	c.errMu.Lock()
	message := c.lastError
	c.errMu.Unlock()
	c.setDeviceState(device.StateIdle)
	c.alert("error", message, "sad")
}

// alert shows a user-visible error or notice without changing state.
func (c *Controller) alert(status, message, emotion string) {
	log.Warningf("core: alert %s: %s [%s]", status, message, emotion)
	c.brd.Display.SetStatus(status)
	c.brd.Display.SetEmotion(emotion)
	c.brd.Display.SetChatMessage("system", message)
}

// DismissAlert restores the standby screen if nothing else took over.
func (c *Controller) DismissAlert() {
	c.Schedule(func() {
		if c.State() == device.StateIdle {
			c.brd.Display.SetStatus("Standby")
			c.brd.Display.SetEmotion("neutral")
			c.brd.Display.SetChatMessage("system", "")
		}
	})
}

// CanEnterSleepMode reports whether the device is quiescent.
func (c *Controller) CanEnterSleepMode() bool {
	if c.State() != device.StateIdle {
		return false
	}
	return c.proto == nil || !c.proto.IsAudioChannelOpened()
}

// SendMcpMessage relays a tool-server payload to the orchestrator.
func (c *Controller) SendMcpMessage(payload json.RawMessage) {
	if c.proto == nil {
		return
	}
	if err := c.proto.SendMcpMessage(payload); err != nil {
		log.Errorf("core: mcp relay failed: %v", err)
	}
}

func (c *Controller) sendToolReply(payload json.RawMessage) {
	c.SendMcpMessage(payload)
}

func (c *Controller) reboot() {
	log.Infof("core: rebooting")
	if c.deps.Reboot != nil {
		c.deps.Reboot()
	}
}

func (c *Controller) loadActivationStatus() {
	if c.deps.Activation == nil {
		c.activated = true
		return
	}
	activated, err := c.deps.Activation.Load()
	if err != nil {
		log.Errorf("core: load activation status failed: %v", err)
		return
	}
	c.activated = activated
}

// checkUpgrade probes for a firmware update. A successful apply reboots;
// a failure restores normal operation. Returns whether startup should
// stop because a reboot was requested.
func (c *Controller) checkUpgrade() bool {
	if c.deps.Upgrader == nil {
		return false
	}
	version, hasUpdate, err := c.deps.Upgrader.Check()
	if err != nil {
		log.Warningf("core: upgrade check failed: %v", err)
		return false
	}
	if !hasUpdate {
		return false
	}

	log.Infof("core: upgrading to %s", version)
	c.setDeviceState(device.StateUpgrading)
	c.brd.Display.SetStatus("Upgrading")
	c.brd.Display.SetEmotion("neutral")
	c.brd.Audio.Stop()

	if err := c.deps.Upgrader.Apply(version); err != nil {
		log.Errorf("core: upgrade failed, restoring: %v", err)
		c.brd.Audio.Start()
		c.setDeviceState(device.StateStarting)
		return false
	}
	c.reboot()
	return true
}

// deviceCodeFromMAC derives the short on-screen code from the last three
// MAC segments, e.g. "94:a9:90:2b:c8:58" -> "2B_C8_58".
func deviceCodeFromMAC(mac string) string {
	parts := strings.Split(mac, ":")
	if len(parts) < 3 {
		return "DEVICE"
	}
	tail := parts[len(parts)-3:]
	for i, p := range tail {
		tail[i] = strings.ToUpper(p)
	}
	return strings.Join(tail, "_")
}

// deviceIDFromMAC keeps the colon-separated form used in the
// registration prompt, e.g. "2b:c8:58".
func deviceIDFromMAC(mac string) string {
	parts := strings.Split(mac, ":")
	if len(parts) < 3 {
		return mac
	}
	return strings.Join(parts[len(parts)-3:], ":")
}
