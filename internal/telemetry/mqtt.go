// Package telemetry publishes arena events and a periodic status heartbeat
// to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/arena-project/arena/internal/config"
	"github.com/arena-project/arena/internal/events"
	"github.com/arena-project/arena/internal/util"
)

// Topic suffixes, published under the configured prefix.
const (
	TopicPlayers = "players"
	TopicKills   = "kills"
	TopicRounds  = "rounds"
	TopicStatus  = "status"
	TopicHealth  = "health"
	TopicAdmin   = "admin"
)

const handlerName = "mqtt"

// StatusFunc reports the server state for the heartbeat.
type StatusFunc func() events.StatusPayload

// MQTTHandler owns the broker connection and forwards events as JSON.
type MQTTHandler struct {
	mu sync.Mutex

	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	status   StatusFunc
	logger   zerolog.Logger

	statusInterval time.Duration

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a handler for cfg. It does not connect until
// Start.
func NewMQTTHandler(cfg config.MQTTConfig, bus *events.EventBus, status StatusFunc, logger zerolog.Logger) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	logger = logger.With().Str("component", "mqtt").Logger()
	sysInfo := util.GetSystemInfo()

	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("arena-%s", sysInfo.Hostname))
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if cfg.UseTLS {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	return newHandler(cfg, mqtt.NewClient(opts), bus, status, sysInfo, logger), nil
}

func newHandler(cfg config.MQTTConfig, client mqtt.Client, bus *events.EventBus, status StatusFunc, sysInfo util.SystemInfo, logger zerolog.Logger) *MQTTHandler {
	interval := time.Duration(cfg.StatusIntervalSec) * time.Second
	return &MQTTHandler{
		cfg:            cfg,
		eventBus:       bus,
		client:         client,
		status:         status,
		logger:         logger,
		statusInterval: interval,
		metadata: map[string]interface{}{
			"hostname":  sysInfo.Hostname,
			"os":        sysInfo.OS,
			"cpu_model": sysInfo.CPUModel,
			"cpu_cores": sysInfo.CPUCores,
			"memory_mb": sysInfo.TotalMemory,
		},
	}
}

func buildTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// Start connects to the broker, forwards events and publishes the status
// heartbeat until ctx is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()
	defer h.unsubscribeEvents()

	var tick <-chan time.Time
	if h.statusInterval > 0 && h.status != nil {
		ticker := time.NewTicker(h.statusInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			h.PublishShutdown()
			h.client.Disconnect(250)
			h.logger.Info().Msg("MQTT disconnected")
			return nil
		case <-tick:
			h.publish(TopicStatus, h.status())
		}
	}
}

var subscribedEvents = []events.EventType{
	events.EventPlayerJoined,
	events.EventPlayerLeft,
	events.EventConnectionRejected,
	events.EventPlayerKilled,
	events.EventRoundRestarted,
	events.EventHealthWarning,
}

func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.Subscribe(events.EventPlayerJoined, handlerName, h.onPlayer)
	h.eventBus.Subscribe(events.EventPlayerLeft, handlerName, h.onPlayer)
	h.eventBus.Subscribe(events.EventConnectionRejected, handlerName, h.onPlayer)
	h.eventBus.Subscribe(events.EventPlayerKilled, handlerName, h.onKill)
	h.eventBus.Subscribe(events.EventRoundRestarted, handlerName, h.onRound)
	h.eventBus.Subscribe(events.EventHealthWarning, handlerName, h.onHealth)
}

func (h *MQTTHandler) unsubscribeEvents() {
	for _, t := range subscribedEvents {
		h.eventBus.Unsubscribe(t, handlerName)
	}
}

// Topic returns the full topic for suffix.
func (h *MQTTHandler) Topic(suffix string) string {
	if h.cfg.TopicPrefix == "" {
		return suffix
	}
	return h.cfg.TopicPrefix + "/" + suffix
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(suffix string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}
	topic := h.Topic(suffix)

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	h.mu.Lock()
	token := h.client.Publish(topic, 1, false, data)
	h.mu.Unlock()

	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

func (h *MQTTHandler) onPlayer(_ context.Context, event events.Event) error {
	h.publish(TopicPlayers, map[string]interface{}{
		"event":   event.Type,
		"payload": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onKill(_ context.Context, event events.Event) error {
	h.publish(TopicKills, event.Payload)
	return nil
}

func (h *MQTTHandler) onRound(_ context.Context, event events.Event) error {
	h.publish(TopicRounds, event.Payload)
	return nil
}

func (h *MQTTHandler) onHealth(_ context.Context, event events.Event) error {
	h.publish(TopicHealth, event.Payload)
	return nil
}

// PublishShutdown announces that the server is going away.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(TopicAdmin, map[string]interface{}{
		"event": "shutdown",
	})
}
