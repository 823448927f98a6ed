package protocol

import (
	"encoding/json"

	"github.com/mylxsw/asteria/log"

	"github.com/supremeagent/voicecore/pkg/device"
)

// outbound is the wire shape of every device-to-server JSON message.
type outbound struct {
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	State     string          `json:"state,omitempty"`
	Text      string          `json:"text,omitempty"`
	Mode      string          `json:"mode,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	UserInfo  json.RawMessage `json:"user_info,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func buildAbortSpeaking(sessionID string, reason device.AbortReason) ([]byte, error) {
	msg := outbound{SessionID: sessionID, Type: "abort"}
	if reason == device.AbortReasonWakeWordDetected {
		msg.Reason = "wake_word_detected"
	}
	return codec.Marshal(msg)
}

// buildWakeWordDetected attaches userInfo as a nested JSON object when it
// parses as one; otherwise it is folded into the text field as
// "<wake_word>|<user_info>".
func buildWakeWordDetected(sessionID, wakeWord, userInfo string) ([]byte, error) {
	msg := outbound{SessionID: sessionID, Type: "listen", State: "detect", Text: wakeWord}
	if userInfo != "" {
		var obj map[string]any
		if err := codec.Unmarshal([]byte(userInfo), &obj); err == nil {
			msg.UserInfo = json.RawMessage(userInfo)
		} else {
			log.Warningf("protocol: user_info is not a JSON object, folding into text")
			msg.Text = wakeWord + "|" + userInfo
		}
	}
	return codec.Marshal(msg)
}

func buildStartListening(sessionID string, mode device.ListeningMode) ([]byte, error) {
	return codec.Marshal(outbound{SessionID: sessionID, Type: "listen", State: "start", Mode: mode.String()})
}

func buildStopListening(sessionID string) ([]byte, error) {
	return codec.Marshal(outbound{SessionID: sessionID, Type: "listen", State: "stop"})
}

func buildMcpMessage(sessionID string, payload json.RawMessage) ([]byte, error) {
	return codec.Marshal(outbound{SessionID: sessionID, Type: "mcp", Payload: payload})
}
