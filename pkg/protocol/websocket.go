package protocol

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mylxsw/asteria/log"

	"github.com/supremeagent/voicecore/pkg/device"
)

// WebsocketConfig carries the connection parameters for the streaming
// binding.
type WebsocketConfig struct {
	URL             string
	Token           string
	DeviceID        string
	ProtocolVersion int
}

// WebsocketProtocol speaks the streaming variant: JSON control frames as
// text messages, audio packets as binary frames, one connection per
// audio channel.
type WebsocketProtocol struct {
	channelCore

	cfg      WebsocketConfig
	clientID string

	connMu  sync.Mutex
	conn    *websocket.Conn
	opened  bool
	closing bool
	helloCh chan string
}

func NewWebsocket(cfg WebsocketConfig, handlers Handlers) *WebsocketProtocol {
	if cfg.ProtocolVersion == 0 {
		cfg.ProtocolVersion = 1
	}
	p := &WebsocketProtocol{cfg: cfg, clientID: uuid.NewString()}
	p.handlers = handlers
	return p
}

func (p *WebsocketProtocol) Start() error {
	if p.cfg.URL == "" {
		return ErrNoEndpoint
	}
	return nil
}

// OpenAudioChannel dials the server, performs the hello handshake and
// starts the read pump. Any previously open channel is closed first.
func (p *WebsocketProtocol) OpenAudioChannel() error {
	if p.cfg.URL == "" {
		return ErrNoEndpoint
	}
	p.CloseAudioChannel()

	header := http.Header{}
	if p.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+p.cfg.Token)
	}
	header.Set("Protocol-Version", strconv.Itoa(p.cfg.ProtocolVersion))
	header.Set("Device-Id", p.cfg.DeviceID)
	header.Set("Client-Id", p.clientID)

	dialer := websocket.Dialer{HandshakeTimeout: serverHelloTimeout}
	conn, _, err := dialer.Dial(p.cfg.URL, header)
	if err != nil {
		log.Errorf("websocket: dial %s failed: %v", p.cfg.URL, err)
		p.raiseError("failed to connect to server")
		return err
	}

	helloCh := make(chan string, 1)
	p.connMu.Lock()
	p.conn = conn
	p.closing = false
	p.helloCh = helloCh
	p.connMu.Unlock()

	go p.readPump(conn)

	hello, err := codec.Marshal(map[string]any{
		"type":      "hello",
		"version":   p.cfg.ProtocolVersion,
		"transport": "websocket",
		"audio_params": map[string]any{
			"format":         "opus",
			"sample_rate":    16000,
			"channels":       1,
			"frame_duration": 60,
		},
	})
	if err == nil {
		err = p.writeText(hello)
	}
	if err != nil {
		p.CloseAudioChannel()
		return err
	}

	select {
	case sessionID := <-helloCh:
		p.setSessionID(sessionID)
	case <-time.After(serverHelloTimeout):
		log.Errorf("websocket: no server hello within %s", serverHelloTimeout)
		p.CloseAudioChannel()
		p.raiseError("timed out waiting for server hello")
		return ErrHelloTimeout
	}

	p.connMu.Lock()
	p.opened = true
	p.connMu.Unlock()

	p.markIncoming(time.Now())
	p.resetError()
	p.startWatchdog(func() {
		p.raiseError("server did not respond in time")
		p.CloseAudioChannel()
	})

	if p.handlers.OnChannelOpened != nil {
		p.handlers.OnChannelOpened()
	}
	return nil
}

func (p *WebsocketProtocol) readPump(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			p.connMu.Lock()
			closing := p.closing || p.conn != conn
			p.connMu.Unlock()
			if !closing {
				log.Warningf("websocket: connection lost: %v", err)
				p.CloseAudioChannel()
			}
			return
		}

		p.markIncoming(time.Now())
		switch msgType {
		case websocket.BinaryMessage:
			if p.handlers.OnIncomingAudio != nil {
				p.handlers.OnIncomingAudio(data)
			}
		case websocket.TextMessage:
			p.dispatchText(data)
		}
	}
}

func (p *WebsocketProtocol) dispatchText(data []byte) {
	var msg Inbound
	if err := codec.Unmarshal(data, &msg); err != nil {
		log.Warningf("websocket: dropping malformed message: %v", err)
		return
	}
	if msg.Type == "hello" {
		p.connMu.Lock()
		helloCh := p.helloCh
		p.connMu.Unlock()
		if helloCh != nil {
			select {
			case helloCh <- msg.SessionID:
			default:
			}
		}
		return
	}
	if p.handlers.OnIncomingJSON != nil {
		p.handlers.OnIncomingJSON(msg)
	}
}

func (p *WebsocketProtocol) writeText(data []byte) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn == nil {
		return ErrChannelClosed
	}
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *WebsocketProtocol) sendJSON(data []byte, err error) error {
	if err != nil {
		return err
	}
	if err := p.writeText(data); err != nil {
		log.Errorf("websocket: send failed: %v", err)
		return err
	}
	return nil
}

func (p *WebsocketProtocol) SendAudio(packet []byte) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn == nil || !p.opened {
		return ErrChannelClosed
	}
	return p.conn.WriteMessage(websocket.BinaryMessage, packet)
}

func (p *WebsocketProtocol) SendAbortSpeaking(reason device.AbortReason) error {
	data, err := buildAbortSpeaking(p.SessionID(), reason)
	return p.sendJSON(data, err)
}

func (p *WebsocketProtocol) SendWakeWordDetected(wakeWord, userInfo string) error {
	data, err := buildWakeWordDetected(p.SessionID(), wakeWord, userInfo)
	return p.sendJSON(data, err)
}

func (p *WebsocketProtocol) SendStartListening(mode device.ListeningMode) error {
	data, err := buildStartListening(p.SessionID(), mode)
	return p.sendJSON(data, err)
}

func (p *WebsocketProtocol) SendStopListening() error {
	data, err := buildStopListening(p.SessionID())
	return p.sendJSON(data, err)
}

func (p *WebsocketProtocol) SendMcpMessage(payload json.RawMessage) error {
	data, err := buildMcpMessage(p.SessionID(), payload)
	return p.sendJSON(data, err)
}

func (p *WebsocketProtocol) IsAudioChannelOpened() bool {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return p.conn != nil && p.opened
}

func (p *WebsocketProtocol) CloseAudioChannel() {
	p.stopWatchdog()

	p.connMu.Lock()
	conn := p.conn
	wasOpened := p.opened
	p.conn = nil
	p.opened = false
	p.closing = true
	p.helloCh = nil
	p.connMu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if wasOpened && p.handlers.OnChannelClosed != nil {
		p.handlers.OnChannelClosed()
	}
}

func (p *WebsocketProtocol) Close() {
	p.CloseAudioChannel()
}
