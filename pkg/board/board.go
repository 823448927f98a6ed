// Package board defines the capability interfaces for the hardware and
// network collaborators the control core drives. Implementations are
// external; the core only calls start/stop, send/receive and get/set
// style operations on them.
package board

// WakeWordBackend identifies which local wake-word engine is active.
// Only the AFE backend stays usable while the speaker is playing.
type WakeWordBackend int

const (
	WakeWordBackendAFE WakeWordBackend = iota
	WakeWordBackendCustom
)

// AudioService abstracts microphone capture, wake-word detection and the
// speaker-side decode pipeline.
type AudioService interface {
	Start()
	Stop()

	EnableVoiceProcessing(enabled bool)
	EnableWakeWordDetection(enabled bool)
	EnableDeviceAec(enabled bool)
	EnableAudioTesting(enabled bool)

	IsVoiceProcessingRunning() bool
	IsVoiceDetected() bool
	WakeWordBackend() WakeWordBackend

	// EncodeWakeWord starts encoding the buffered wake-word audio so it
	// can be streamed to the server.
	EncodeWakeWord()
	LastWakeWord() string
	// PopWakeWordPacket drains the encoded wake-word audio one packet at
	// a time; ok is false when the buffer is empty.
	PopWakeWordPacket() (packet []byte, ok bool)

	// PopSendPacket drains the outbound capture queue.
	PopSendPacket() (packet []byte, ok bool)
	// PushDecodePacket feeds an inbound audio packet to the decoder.
	PushDecodePacket(packet []byte)
	ResetDecoder()
}

// Display is the status/chat rendering surface.
type Display interface {
	SetStatus(status string)
	SetEmotion(emotion string)
	SetChatMessage(role, text string)
	ShowNotification(text string)
	UpdateStatusBar()
	Theme() string
	SetTheme(theme string)
}

// Led mirrors device state onto the indicator.
type Led interface {
	OnStateChanged()
}

// Camera abstracts frame capture for the login preview/upload flow and
// the take-photo tool.
type Camera interface {
	Capture() bool
	// RawData returns the last captured frame.
	RawData() (data []byte, ok bool)
	// Explain uploads the last frame to the vision service with a
	// question and returns the JSON answer.
	Explain(question string) (string, error)
	SetExplainURL(url, token string)
}

// Speaker controls output volume.
type Speaker interface {
	Volume() int
	SetVolume(volume int)
}

// Backlight controls screen brightness; nil when the board has none.
type Backlight interface {
	SetBrightness(brightness int)
}

// Board bundles the collaborators for one device. Optional capabilities
// (Camera, Backlight) may be nil.
type Board struct {
	Name       string
	MACAddress string

	Audio     AudioService
	Display   Display
	Led       Led
	Camera    Camera
	Speaker   Speaker
	Backlight Backlight
}
