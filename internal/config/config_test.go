package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
websocket:
  url: wss://api.example.com/v1
  token: test-token
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Protocol != "websocket" {
		t.Fatalf("protocol = %q", cfg.Protocol)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Fatalf("http addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("log level = %q", cfg.Log.Level)
	}
	if cfg.WebSocket.Token != "test-token" {
		t.Fatalf("token = %q", cfg.WebSocket.Token)
	}
}

func TestLoadMqtt(t *testing.T) {
	path := writeConfig(t, `
protocol: mqtt
aec_mode: server
mqtt:
  broker: tcp://broker.example.com:1883
  client_id: device-01
  publish_topic: device/01/out
  subscribe_topic: device/01/in
http:
  addr: ":9090"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Protocol != "mqtt" || cfg.Mqtt.Broker != "tcp://broker.example.com:1883" {
		t.Fatalf("unexpected mqtt config: %+v", cfg.Mqtt)
	}
	if cfg.AecMode != "server" {
		t.Fatalf("aec_mode = %q", cfg.AecMode)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Fatalf("http addr = %q", cfg.HTTP.Addr)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown protocol": "protocol: carrier-pigeon\n",
		"unknown aec mode": "aec_mode: maybe\nwebsocket:\n  url: wss://x\n",
		"missing ws url":   "protocol: websocket\n",
		"missing broker":   "protocol: mqtt\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
