// Package config loads the runtime configuration from a YAML file and
// fills in sensible defaults for anything the file leaves out.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Protocol  string          `yaml:"protocol"` // "websocket" or "mqtt"
	AecMode   string          `yaml:"aec_mode"` // "off", "device" or "server"
	WebSocket WebSocketConfig `yaml:"websocket"`
	Mqtt      MqttConfig      `yaml:"mqtt"`
	Server    ServerConfig    `yaml:"server"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
}

// WebSocketConfig configures the websocket protocol binding.
type WebSocketConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// MqttConfig configures the MQTT protocol binding.
type MqttConfig struct {
	Broker         string `yaml:"broker"`
	ClientID       string `yaml:"client_id"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	PublishTopic   string `yaml:"publish_topic"`
	SubscribeTopic string `yaml:"subscribe_topic"`
}

// ServerConfig holds the backend endpoints used outside the audio
// channel: login photo upload, inspection requests and the portal the
// registration prompt points users at.
type ServerConfig struct {
	UploadURL       string `yaml:"upload_url"`
	InspectionURL   string `yaml:"inspection_url"`
	RegistrationURL string `yaml:"registration_url"`
	AuthKey         string `yaml:"auth_key"`
}

// HTTPConfig configures the local debug API.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Protocol: "websocket",
		AecMode:  "off",
		HTTP:     HTTPConfig{Addr: ":8080"},
		Log:      LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path and applies defaults to any field
// the file leaves empty.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Protocol {
	case "websocket", "mqtt":
	default:
		return fmt.Errorf("unknown protocol %q", c.Protocol)
	}
	switch c.AecMode {
	case "off", "device", "server":
	default:
		return fmt.Errorf("unknown aec_mode %q", c.AecMode)
	}
	if c.Protocol == "websocket" && c.WebSocket.URL == "" {
		return fmt.Errorf("websocket.url is required when protocol is websocket")
	}
	if c.Protocol == "mqtt" && c.Mqtt.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when protocol is mqtt")
	}
	return nil
}
