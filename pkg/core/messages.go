package core

import (
	"strings"

	"github.com/mylxsw/asteria/log"

	"github.com/supremeagent/voicecore/pkg/device"
	"github.com/supremeagent/voicecore/pkg/protocol"
	"github.com/supremeagent/voicecore/pkg/scheduler"
	"github.com/supremeagent/voicecore/pkg/session"
)

// sensitiveMarkers flag transcripts that must never reach the screen:
// credential-bearing payloads echoed back by the server, plus the
// explicit suppress marker attached to user-info summaries.
var sensitiveMarkers = []string{
	"password", "api_key", "api_id", "account", "device_id",
	session.DisplaySuppressMarker,
}

func containsSensitiveInfo(text string) bool {
	for _, marker := range sensitiveMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func (c *Controller) onNetworkError(message string) {
	c.errMu.Lock()
	c.lastError = message
	c.errMu.Unlock()
	c.loop.Raise(scheduler.SignalError)
}

func (c *Controller) onIncomingAudio(packet []byte) {
	if c.State() == device.StateSpeaking {
		c.brd.Audio.PushDecodePacket(packet)
	}
}

func (c *Controller) onChannelOpened() {
	log.Debugf("core: audio channel opened, session %s", c.proto.SessionID())
}

func (c *Controller) onChannelClosed() {
	c.Schedule(func() {
		// Starting a conversation closes the standby channel and opens a
		// fresh one before this task runs; the stale close notification
		// must not tear the new session down.
		if c.proto != nil && c.proto.IsAudioChannelOpened() {
			return
		}
		c.brd.Display.SetChatMessage("system", "")
		c.setDeviceState(device.StateIdle)
	})
}

// handleIncoming dispatches one server JSON message. It runs on the
// protocol's receive context; state mutation is rescheduled onto the
// loop.
func (c *Controller) handleIncoming(msg protocol.Inbound) {
	switch msg.Type {
	case "tts":
		c.handleTTS(msg)

	case "stt":
		if msg.Text == "" {
			return
		}
		log.Infof(">> %s", msg.Text)
		if containsSensitiveInfo(msg.Text) {
			log.Infof("core: suppressing sensitive transcript")
			return
		}
		text := msg.Text
		c.Schedule(func() { c.brd.Display.SetChatMessage("user", text) })

	case "llm":
		if msg.Emotion != "" {
			emotion := msg.Emotion
			c.Schedule(func() { c.brd.Display.SetEmotion(emotion) })
		}

	case "mcp":
		if len(msg.Payload) > 0 {
			c.srv.HandleMessage(msg.Payload)
		}

	case "system":
		switch msg.Command {
		case "reboot":
			c.Schedule(c.reboot)
		default:
			log.Warningf("core: unknown system command: %s", msg.Command)
		}

	case "alert":
		if msg.Status == "" || msg.Message == "" || msg.Emotion == "" {
			log.Warningf("core: alert requires status, message and emotion")
			return
		}
		status, message, emotion := msg.Status, msg.Message, msg.Emotion
		c.Schedule(func() { c.alert(status, message, emotion) })

	default:
		log.Warningf("core: unknown message type: %s", msg.Type)
	}
}

func (c *Controller) handleTTS(msg protocol.Inbound) {
	switch msg.State {
	case "start":
		c.Schedule(func() {
			// A TTS session begins; Speaking is deferred until the first
			// sentence actually arrives.
			c.ttsActive = true
		})

	case "stop":
		c.Schedule(func() {
			c.ttsActive = false
			if c.pendingInspection && !c.loginTTSCompleted {
				c.loginTTSCompleted = true
				log.Infof("core: login TTS finished, inspection fires on next listening entry")
			}
			if c.State() == device.StateSpeaking {
				if c.listeningMode == device.ListeningManualStop {
					c.setDeviceState(device.StateIdle)
				} else {
					c.setDeviceState(device.StateListening)
				}
			}
		})

	case "sentence_start":
		if msg.Text == "" {
			return
		}
		log.Infof("<< %s", msg.Text)
		text := msg.Text
		c.Schedule(func() {
			state := c.State()
			if c.ttsActive && (state == device.StateIdle || state == device.StateListening) {
				c.setDeviceState(device.StateSpeaking)
			}
			c.brd.Display.SetChatMessage("assistant", text)
		})
	}
}

// WakeWordInvoke simulates a spoken wake word, e.g. from a button or the
// debug HTTP surface.
func (c *Controller) WakeWordInvoke(wakeWord string) {
	switch c.State() {
	case device.StateIdle:
		c.ToggleChatState()
		c.Schedule(func() {
			if c.proto == nil {
				return
			}
			if err := c.proto.SendWakeWordDetected(wakeWord, c.users.UserInfoText()); err != nil {
				log.Errorf("core: wake-word send failed: %v", err)
			}
		})
	case device.StateSpeaking:
		c.Schedule(func() { c.abortSpeaking(device.AbortReasonNone) })
	case device.StateListening:
		c.Schedule(func() {
			if c.proto != nil {
				c.proto.CloseAudioChannel()
			}
		})
	}
}
