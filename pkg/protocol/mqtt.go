package protocol

import (
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/mylxsw/asteria/log"

	"github.com/supremeagent/voicecore/pkg/device"
)

// MqttConfig carries the connection parameters for the publish/subscribe
// binding. Control messages flow over PublishTopic/SubscribeTopic; audio
// packets use the same topics with an "/audio" suffix.
type MqttConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	PublishTopic   string
	SubscribeTopic string
}

// MqttProtocol speaks the publish/subscribe variant. The broker
// connection is long-lived; the audio channel is a logical session
// opened with a hello exchange and closed with a goodbye.
type MqttProtocol struct {
	channelCore

	cfg    MqttConfig
	client mqtt.Client

	sessMu  chan struct{} // 1-slot semaphore guarding open/close
	opened  bool
	helloCh chan string
}

func NewMqtt(cfg MqttConfig, handlers Handlers) *MqttProtocol {
	p := &MqttProtocol{cfg: cfg, sessMu: make(chan struct{}, 1)}
	p.sessMu <- struct{}{}
	p.handlers = handlers
	return p
}

// Start connects to the broker and installs the subscriptions. The
// audio channel stays closed until OpenAudioChannel.
func (p *MqttProtocol) Start() error {
	if p.cfg.Broker == "" {
		return ErrNoEndpoint
	}

	opts := mqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(p.cfg.ClientID).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(serverHelloTimeout)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Infof("mqtt: connected to %s", p.cfg.Broker)
		p.subscribe(client)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warningf("mqtt: connection lost: %v", err)
		p.dropSession()
		p.raiseError("lost connection to broker")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(serverHelloTimeout) {
		return ErrNotConnected
	}
	if err := token.Error(); err != nil {
		return err
	}
	p.client = client
	return nil
}

func (p *MqttProtocol) subscribe(client mqtt.Client) {
	client.Subscribe(p.cfg.SubscribeTopic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		p.markIncoming(time.Now())
		p.dispatch(msg.Payload())
	})
	client.Subscribe(p.cfg.SubscribeTopic+"/audio", 0, func(_ mqtt.Client, msg mqtt.Message) {
		p.markIncoming(time.Now())
		if p.handlers.OnIncomingAudio != nil {
			p.handlers.OnIncomingAudio(msg.Payload())
		}
	})
}

func (p *MqttProtocol) dispatch(data []byte) {
	var msg Inbound
	if err := codec.Unmarshal(data, &msg); err != nil {
		log.Warningf("mqtt: dropping malformed message: %v", err)
		return
	}
	if msg.Type == "hello" {
		p.lockSession()
		helloCh := p.helloCh
		p.unlockSession()
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

func (p *MqttProtocol) lockSession()   { <-p.sessMu }
func (p *MqttProtocol) unlockSession() { p.sessMu <- struct{}{} }

// OpenAudioChannel negotiates a logical session over the established
// broker connection.
func (p *MqttProtocol) OpenAudioChannel() error {
	if p.client == nil || !p.client.IsConnected() {
		if err := p.Start(); err != nil {
			p.raiseError("failed to connect to broker")
			return err
		}
	}
	p.CloseAudioChannel()

	helloCh := make(chan string, 1)
	p.lockSession()
	p.helloCh = helloCh
	p.unlockSession()

	hello, err := codec.Marshal(map[string]any{
		"type":      "hello",
		"version":   3,
		"transport": "mqtt",
		"audio_params": map[string]any{
			"format":         "opus",
			"sample_rate":    16000,
			"channels":       1,
			"frame_duration": 60,
		},
	})
	if err == nil {
		err = p.publish(p.cfg.PublishTopic, hello)
	}
	if err != nil {
		return err
	}

	select {
	case sessionID := <-helloCh:
		p.setSessionID(sessionID)
	case <-time.After(serverHelloTimeout):
		log.Errorf("mqtt: no server hello within %s", serverHelloTimeout)
		p.raiseError("timed out waiting for server hello")
		return ErrHelloTimeout
	}

	p.lockSession()
	p.opened = true
	p.helloCh = nil
	p.unlockSession()

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

func (p *MqttProtocol) publish(topic string, data []byte) error {
	if p.client == nil || !p.client.IsConnected() {
		return ErrNotConnected
	}
	token := p.client.Publish(topic, 0, false, data)
	if !token.WaitTimeout(serverHelloTimeout) {
		return ErrNotConnected
	}
	return token.Error()
}

func (p *MqttProtocol) sendJSON(data []byte, err error) error {
	if err != nil {
		return err
	}
	if err := p.publish(p.cfg.PublishTopic, data); err != nil {
		log.Errorf("mqtt: publish failed: %v", err)
		return err
	}
	return nil
}

func (p *MqttProtocol) SendAudio(packet []byte) error {
	if !p.IsAudioChannelOpened() {
		return ErrChannelClosed
	}
	return p.publish(p.cfg.PublishTopic+"/audio", packet)
}

func (p *MqttProtocol) SendAbortSpeaking(reason device.AbortReason) error {
	data, err := buildAbortSpeaking(p.SessionID(), reason)
	return p.sendJSON(data, err)
}

func (p *MqttProtocol) SendWakeWordDetected(wakeWord, userInfo string) error {
	data, err := buildWakeWordDetected(p.SessionID(), wakeWord, userInfo)
	return p.sendJSON(data, err)
}

func (p *MqttProtocol) SendStartListening(mode device.ListeningMode) error {
	data, err := buildStartListening(p.SessionID(), mode)
	return p.sendJSON(data, err)
}

func (p *MqttProtocol) SendStopListening() error {
	data, err := buildStopListening(p.SessionID())
	return p.sendJSON(data, err)
}

func (p *MqttProtocol) SendMcpMessage(payload json.RawMessage) error {
	data, err := buildMcpMessage(p.SessionID(), payload)
	return p.sendJSON(data, err)
}

func (p *MqttProtocol) IsAudioChannelOpened() bool {
	p.lockSession()
	defer p.unlockSession()
	return p.opened && p.client != nil && p.client.IsConnected()
}

// CloseAudioChannel sends a goodbye for the active session and marks the
// channel closed. The broker connection stays up.
func (p *MqttProtocol) CloseAudioChannel() {
	p.stopWatchdog()

	p.lockSession()
	wasOpened := p.opened
	p.opened = false
	p.helloCh = nil
	p.unlockSession()

	if !wasOpened {
		return
	}
	if goodbye, err := codec.Marshal(map[string]any{
		"session_id": p.SessionID(),
		"type":       "goodbye",
	}); err == nil {
		_ = p.publish(p.cfg.PublishTopic, goodbye)
	}
	if p.handlers.OnChannelClosed != nil {
		p.handlers.OnChannelClosed()
	}
}

// dropSession marks the channel closed without a goodbye; used when the
// broker connection itself is gone.
func (p *MqttProtocol) dropSession() {
	p.stopWatchdog()
	p.lockSession()
	wasOpened := p.opened
	p.opened = false
	p.unlockSession()
	if wasOpened && p.handlers.OnChannelClosed != nil {
		p.handlers.OnChannelClosed()
	}
}

func (p *MqttProtocol) Close() {
	p.CloseAudioChannel()
	if p.client != nil {
		p.client.Disconnect(250)
	}
}
