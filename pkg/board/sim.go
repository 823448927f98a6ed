package board

import "sync"

// Sim* implementations back the development binary and tests. They record
// the calls the core makes instead of touching hardware.

type SimAudio struct {
	mu sync.Mutex

	running          bool
	voiceProcessing  bool
	wakeWordEnabled  bool
	deviceAecEnabled bool
	audioTesting     bool
	voiceDetected    bool
	backend          WakeWordBackend

	lastWakeWord    string
	wakeWordPackets [][]byte
	sendQueue       [][]byte
	decoded         int
	decoderResets   int
}

func NewSimAudio() *SimAudio {
	return &SimAudio{lastWakeWord: "hey there"}
}

func (a *SimAudio) Start() { a.mu.Lock(); a.running = true; a.mu.Unlock() }
func (a *SimAudio) Stop()  { a.mu.Lock(); a.running = false; a.mu.Unlock() }

func (a *SimAudio) EnableVoiceProcessing(enabled bool) {
	a.mu.Lock()
	a.voiceProcessing = enabled
	a.mu.Unlock()
}

func (a *SimAudio) EnableWakeWordDetection(enabled bool) {
	a.mu.Lock()
	a.wakeWordEnabled = enabled
	a.mu.Unlock()
}

func (a *SimAudio) EnableDeviceAec(enabled bool) {
	a.mu.Lock()
	a.deviceAecEnabled = enabled
	a.mu.Unlock()
}

func (a *SimAudio) EnableAudioTesting(enabled bool) {
	a.mu.Lock()
	a.audioTesting = enabled
	a.mu.Unlock()
}

func (a *SimAudio) IsVoiceProcessingRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.voiceProcessing
}

func (a *SimAudio) IsVoiceDetected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.voiceDetected
}

func (a *SimAudio) WakeWordBackend() WakeWordBackend {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.backend
}

func (a *SimAudio) SetWakeWordBackend(b WakeWordBackend) {
	a.mu.Lock()
	a.backend = b
	a.mu.Unlock()
}

func (a *SimAudio) EncodeWakeWord() {}

func (a *SimAudio) LastWakeWord() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastWakeWord
}

func (a *SimAudio) SetLastWakeWord(w string) {
	a.mu.Lock()
	a.lastWakeWord = w
	a.mu.Unlock()
}

func (a *SimAudio) PopWakeWordPacket() ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.wakeWordPackets) == 0 {
		return nil, false
	}
	pkt := a.wakeWordPackets[0]
	a.wakeWordPackets = a.wakeWordPackets[1:]
	return pkt, true
}

func (a *SimAudio) QueueWakeWordPacket(pkt []byte) {
	a.mu.Lock()
	a.wakeWordPackets = append(a.wakeWordPackets, pkt)
	a.mu.Unlock()
}

func (a *SimAudio) PopSendPacket() ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sendQueue) == 0 {
		return nil, false
	}
	pkt := a.sendQueue[0]
	a.sendQueue = a.sendQueue[1:]
	return pkt, true
}

func (a *SimAudio) QueueSendPacket(pkt []byte) {
	a.mu.Lock()
	a.sendQueue = append(a.sendQueue, pkt)
	a.mu.Unlock()
}

func (a *SimAudio) PushDecodePacket(packet []byte) {
	a.mu.Lock()
	a.decoded++
	a.mu.Unlock()
}

func (a *SimAudio) ResetDecoder() {
	a.mu.Lock()
	a.decoderResets++
	a.mu.Unlock()
}

func (a *SimAudio) DecoderResets() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.decoderResets
}

func (a *SimAudio) WakeWordEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.wakeWordEnabled
}

// SimDisplay records the most recent rendering calls.
type SimDisplay struct {
	mu sync.Mutex

	status   string
	emotion  string
	role     string
	message  string
	notified string
	theme    string
	barTicks int
}

func NewSimDisplay() *SimDisplay {
	return &SimDisplay{theme: "light"}
}

func (d *SimDisplay) SetStatus(status string) {
	d.mu.Lock()
	d.status = status
	d.mu.Unlock()
}

func (d *SimDisplay) SetEmotion(emotion string) {
	d.mu.Lock()
	d.emotion = emotion
	d.mu.Unlock()
}

func (d *SimDisplay) SetChatMessage(role, text string) {
	d.mu.Lock()
	d.role, d.message = role, text
	d.mu.Unlock()
}

func (d *SimDisplay) ShowNotification(text string) {
	d.mu.Lock()
	d.notified = text
	d.mu.Unlock()
}

func (d *SimDisplay) UpdateStatusBar() {
	d.mu.Lock()
	d.barTicks++
	d.mu.Unlock()
}

func (d *SimDisplay) Theme() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.theme
}

func (d *SimDisplay) SetTheme(theme string) {
	d.mu.Lock()
	d.theme = theme
	d.mu.Unlock()
}

func (d *SimDisplay) Status() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *SimDisplay) ChatMessage() (role, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.role, d.message
}

type SimLed struct {
	mu      sync.Mutex
	changes int
}

func NewSimLed() *SimLed { return &SimLed{} }

func (l *SimLed) OnStateChanged() {
	l.mu.Lock()
	l.changes++
	l.mu.Unlock()
}

func (l *SimLed) Changes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.changes
}

// SimCamera produces a fixed frame per capture.
type SimCamera struct {
	mu sync.Mutex

	frame      []byte
	captures   int
	explainURL string
	token      string
}

func NewSimCamera() *SimCamera {
	return &SimCamera{frame: []byte("frame")}
}

func (c *SimCamera) Capture() bool {
	c.mu.Lock()
	c.captures++
	c.mu.Unlock()
	return true
}

func (c *SimCamera) RawData() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.captures == 0 {
		return nil, false
	}
	return c.frame, true
}

func (c *SimCamera) Explain(question string) (string, error) {
	return `{"success": true, "answer": "simulated"}`, nil
}

func (c *SimCamera) SetExplainURL(url, token string) {
	c.mu.Lock()
	c.explainURL, c.token = url, token
	c.mu.Unlock()
}

func (c *SimCamera) ExplainURL() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.explainURL, c.token
}

func (c *SimCamera) Captures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captures
}

type SimSpeaker struct {
	mu     sync.Mutex
	volume int
}

func NewSimSpeaker() *SimSpeaker { return &SimSpeaker{volume: 70} }

func (s *SimSpeaker) Volume() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

func (s *SimSpeaker) SetVolume(volume int) {
	s.mu.Lock()
	s.volume = volume
	s.mu.Unlock()
}

type SimBacklight struct {
	mu         sync.Mutex
	brightness int
}

func NewSimBacklight() *SimBacklight { return &SimBacklight{brightness: 80} }

func (b *SimBacklight) SetBrightness(brightness int) {
	b.mu.Lock()
	b.brightness = brightness
	b.mu.Unlock()
}

func (b *SimBacklight) Brightness() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.brightness
}

// NewSimBoard assembles a fully simulated board.
func NewSimBoard() *Board {
	return &Board{
		Name:       "voicecore-sim",
		MACAddress: "94:a9:90:2b:c8:58",
		Audio:      NewSimAudio(),
		Display:    NewSimDisplay(),
		Led:        NewSimLed(),
		Camera:     NewSimCamera(),
		Speaker:    NewSimSpeaker(),
		Backlight:  NewSimBacklight(),
	}
}
