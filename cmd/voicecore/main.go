package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/mylxsw/asteria/level"
	"github.com/mylxsw/asteria/log"

	"github.com/supremeagent/voicecore/internal/backend"
	"github.com/supremeagent/voicecore/internal/config"
	"github.com/supremeagent/voicecore/internal/httpapi"
	"github.com/supremeagent/voicecore/pkg/board"
	"github.com/supremeagent/voicecore/pkg/core"
	"github.com/supremeagent/voicecore/pkg/device"
	"github.com/supremeagent/voicecore/pkg/protocol"
	"github.com/supremeagent/voicecore/pkg/session"
)

var version = "dev"

func main() {
	conf := flag.String("conf", "", "Path to YAML config file")
	addr := flag.String("addr", "", "Debug API address (overrides config)")
	stateDir := flag.String("state-dir", defaultStateDir(), "Directory for persisted device state")
	flag.Parse()

	cfg := config.Default()
	if *conf != "" {
		loaded, err := config.Load(*conf)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	log.DefaultLogLevel(level.GetLevelByName(cfg.Log.Level))

	brd := board.NewSimBoard()
	users := session.NewManager(session.NewFileStore(filepath.Join(*stateDir, "session.json")))
	client := backend.New(backend.Config{
		UploadURL:     cfg.Server.UploadURL,
		InspectionURL: cfg.Server.InspectionURL,
		AuthKey:       cfg.Server.AuthKey,
		DeviceID:      brd.MACAddress,
		ClientID:      uuid.NewString(),
	})

	ctrl := core.New(core.Config{
		Version:         version,
		AecMode:         device.ParseAecMode(cfg.AecMode),
		RegistrationURL: cfg.Server.RegistrationURL,
	}, brd, users, core.Deps{
		Uploader:   client,
		Inspector:  client,
		Activation: backend.NewFileActivationStore(filepath.Join(*stateDir, "activation.json")),
	})

	var proto protocol.Protocol
	switch cfg.Protocol {
	case "mqtt":
		proto = protocol.NewMqtt(protocol.MqttConfig{
			Broker:         cfg.Mqtt.Broker,
			ClientID:       cfg.Mqtt.ClientID,
			Username:       cfg.Mqtt.Username,
			Password:       cfg.Mqtt.Password,
			PublishTopic:   cfg.Mqtt.PublishTopic,
			SubscribeTopic: cfg.Mqtt.SubscribeTopic,
		}, ctrl.ProtocolHandlers())
	default:
		proto = protocol.NewWebsocket(protocol.WebsocketConfig{
			URL:      cfg.WebSocket.URL,
			Token:    cfg.WebSocket.Token,
			DeviceID: brd.MACAddress,
		}, ctrl.ProtocolHandlers())
	}
	ctrl.SetProtocol(proto)

	if err := ctrl.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Startup error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go ctrl.Run(ctx)

	handler := httpapi.NewHandler(ctrl, brd, users)
	router := httpapi.NewRouter(handler)
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}

	go func() {
		log.Infof("Starting server on %s", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	_ = server.Close()
	cancel()
	ctrl.Close()
	log.Info("Server stopped")
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "state"
	}
	return filepath.Join(home, ".local", "state", "voicecore")
}
