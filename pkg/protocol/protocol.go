// Package protocol is the bidirectional channel to the remote
// conversational service. Two bindings exist: a WebSocket streaming
// variant and an MQTT publish/subscribe variant, interchangeable behind
// the Protocol interface. All inbound payloads are delivered through
// callbacks; the caller is responsible for marshaling them onto its own
// loop before touching shared state.
package protocol

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mylxsw/asteria/log"

	"github.com/supremeagent/voicecore/pkg/device"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrNoEndpoint    = errors.New("no server endpoint configured")
	ErrChannelClosed = errors.New("audio channel is not open")
	ErrHelloTimeout  = errors.New("timed out waiting for server hello")
	ErrNotConnected  = errors.New("not connected to broker")
)

const (
	// inboundSilenceTimeout is how long the channel may stay silent in a
	// non-exempt device state before a network error is raised.
	inboundSilenceTimeout = 120 * time.Second
	// serverHelloTimeout bounds the wait for the handshake reply.
	serverHelloTimeout = 10 * time.Second
	// watchdogInterval is how often inbound silence is re-checked.
	watchdogInterval = 5 * time.Second
)

// Inbound is the decoded shape of a server JSON message. Fields are
// populated according to the Type discriminator.
type Inbound struct {
	Type      string          `json:"type"`
	State     string          `json:"state,omitempty"`
	Text      string          `json:"text,omitempty"`
	Emotion   string          `json:"emotion,omitempty"`
	Command   string          `json:"command,omitempty"`
	Status    string          `json:"status,omitempty"`
	Message   string          `json:"message,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Version   int             `json:"version,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Handlers are the inbound callbacks a binding invokes from its receive
// context.
type Handlers struct {
	OnIncomingJSON  func(msg Inbound)
	OnIncomingAudio func(packet []byte)
	OnChannelOpened func()
	OnChannelClosed func()
	OnNetworkError  func(message string)
}

// Protocol is the capability set the control core drives.
type Protocol interface {
	// Start performs binding-specific bring-up (broker connect, config
	// validation). It does not open the audio channel.
	Start() error

	SendAudio(packet []byte) error
	SendAbortSpeaking(reason device.AbortReason) error
	SendWakeWordDetected(wakeWord, userInfo string) error
	SendStartListening(mode device.ListeningMode) error
	SendStopListening() error
	SendMcpMessage(payload json.RawMessage) error

	OpenAudioChannel() error
	CloseAudioChannel()
	IsAudioChannelOpened() bool

	// SetDeviceState feeds the timeout policy: inbound silence is only an
	// error in states where silence indicates failure.
	SetDeviceState(state device.State)
	SessionID() string
	Close()
}

// channelCore carries the state shared by both bindings: session
// identity, handlers, the last-incoming timestamp and the silence
// watchdog.
type channelCore struct {
	handlers Handlers

	mu           sync.Mutex
	sessionID    string
	lastIncoming time.Time
	deviceState  device.State
	errorFired   bool
	watchStop    chan struct{}
}

func (c *channelCore) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *channelCore) setSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func (c *channelCore) SetDeviceState(state device.State) {
	c.mu.Lock()
	c.deviceState = state
	c.mu.Unlock()
}

func (c *channelCore) markIncoming(now time.Time) {
	c.mu.Lock()
	c.lastIncoming = now
	c.mu.Unlock()
}

// silentFor returns how long the channel has been silent, and whether
// the timeout policy applies in the current device state. Idle is
// benign: the standby channel is expected to be quiet.
func (c *channelCore) silentFor(now time.Time) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deviceState == device.StateIdle || c.lastIncoming.IsZero() {
		return 0, false
	}
	return now.Sub(c.lastIncoming), true
}

func (c *channelCore) timedOut(now time.Time) bool {
	silent, applies := c.silentFor(now)
	if !applies {
		return false
	}
	if silent > inboundSilenceTimeout {
		log.Errorf("protocol: channel silent for %ds", int64(silent.Seconds()))
		return true
	}
	return false
}

// raiseError reports a network error at most once per open channel.
func (c *channelCore) raiseError(message string) {
	c.mu.Lock()
	fired := c.errorFired
	c.errorFired = true
	c.mu.Unlock()
	if fired {
		return
	}
	if c.handlers.OnNetworkError != nil {
		c.handlers.OnNetworkError(message)
	}
}

func (c *channelCore) resetError() {
	c.mu.Lock()
	c.errorFired = false
	c.mu.Unlock()
}

// startWatchdog begins periodic silence checks; onTimeout runs once and
// the watchdog stops itself.
func (c *channelCore) startWatchdog(onTimeout func()) {
	c.stopWatchdog()
	stop := make(chan struct{})
	c.mu.Lock()
	c.watchStop = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(watchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if c.timedOut(time.Now()) {
					onTimeout()
					return
				}
			case <-stop:
				return
			}
		}
	}()
}

func (c *channelCore) stopWatchdog() {
	c.mu.Lock()
	if c.watchStop != nil {
		close(c.watchStop)
		c.watchStop = nil
	}
	c.mu.Unlock()
}
