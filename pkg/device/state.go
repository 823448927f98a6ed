package device

// State is the device operating state. Exactly one state is active at a
// time; setting the current state again is a no-op.
type State int

const (
	StateUnknown State = iota
	StateStarting
	StateWifiConfiguring
	StateIdle
	StateConnecting
	StateListening
	StateSpeaking
	StateUpgrading
	StateActivating
	StateAudioTesting
	StateFatalError
	StateLogin
)

var stateStrings = []string{
	"unknown", "starting", "configuring", "idle", "connecting",
	"listening", "speaking", "upgrading", "activating", "audio_testing",
	"fatal_error", "login",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateStrings) {
		return "invalid_state"
	}
	return stateStrings[s]
}

// ListeningMode selects how listening is initiated and how TTS completion
// resolves the next state.
type ListeningMode int

const (
	// ListeningAutoStop lets the server detect end of speech.
	ListeningAutoStop ListeningMode = iota
	// ListeningRealtime keeps capture open during playback (requires AEC).
	ListeningRealtime
	// ListeningManualStop keeps listening until the user stops it.
	ListeningManualStop
)

func (m ListeningMode) String() string {
	switch m {
	case ListeningRealtime:
		return "realtime"
	case ListeningManualStop:
		return "manual"
	default:
		return "auto"
	}
}

// AecMode selects where acoustic echo cancellation runs. Changing it
// forces the audio channel closed.
type AecMode int

const (
	AecOff AecMode = iota
	AecOnDevice
	AecOnServer
)

func (m AecMode) String() string {
	switch m {
	case AecOnDevice:
		return "device"
	case AecOnServer:
		return "server"
	default:
		return "off"
	}
}

// ParseAecMode maps a configuration string to an AecMode. Unrecognized
// values fall back to AecOff.
func ParseAecMode(s string) AecMode {
	switch s {
	case "device":
		return AecOnDevice
	case "server":
		return AecOnServer
	default:
		return AecOff
	}
}

// AbortReason explains why speech output was aborted.
type AbortReason int

const (
	AbortReasonNone AbortReason = iota
	AbortReasonWakeWordDetected
)
