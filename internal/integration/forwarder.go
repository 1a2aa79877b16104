package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/vendo-server/vendo-server-pro/internal/config"
	"github.com/vendo-server/vendo-server-pro/internal/storage"
)

// webhooksSettingKey holds the admin-configured webhook endpoints
const webhooksSettingKey = "webhooks"

// WebhookConfig is one HTTP endpoint receiving session change notifications
type WebhookConfig struct {
	Enabled  bool              `json:"enabled"`
	Endpoint string            `json:"endpoint"`
	Headers  map[string]string `json:"headers"`
}

// ForwarderService relays session change notifications from the internal
// bus to external systems: a site MQTT broker and admin-configured HTTP
// webhooks. Delivery is best effort; the ledger and store never wait on it.
type ForwarderService struct {
	nc    *nats.Conn
	store storage.Store
	cfg   config.MQTTConfig

	mqttClient mqtt.Client
	mqttMu     sync.Mutex

	httpClient *http.Client
}

// NewForwarderService creates a forwarder service
func NewForwarderService(nc *nats.Conn, store storage.Store, cfg config.MQTTConfig) *ForwarderService {
	return &ForwarderService{
		nc:    nc,
		store: store,
		cfg:   cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Start subscribes to the session feed and blocks until the context is
// cancelled
func (s *ForwarderService) Start(ctx context.Context) error {
	sub, err := s.nc.Subscribe("vendo.session.*", s.handleSessionChange)
	if err != nil {
		return fmt.Errorf("subscribe to session feed: %w", err)
	}

	if s.cfg.Enabled {
		if err := s.connectMQTT(); err != nil {
			log.Error().Err(err).Msg("Failed to connect MQTT client")
		}
	}

	log.Info().Msg("Integration forwarder service started")

	<-ctx.Done()

	sub.Unsubscribe()
	s.closeMQTT()

	return nil
}

// handleSessionChange fans one session snapshot out to MQTT and webhooks
func (s *ForwarderService) handleSessionChange(msg *nats.Msg) {
	// Subject is vendo.session.<hexmac>
	parts := strings.Split(msg.Subject, ".")
	if len(parts) != 3 {
		return
	}
	macHex := parts[2]

	if s.cfg.Enabled {
		go s.forwardToMQTT(macHex, msg.Data)
	}

	webhooks, err := s.loadWebhooks()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load webhook configuration")
		return
	}

	for _, hook := range webhooks {
		if hook.Enabled {
			go s.forwardToHTTP(hook, msg.Data)
		}
	}
}

// forwardToMQTT publishes a session snapshot to the site broker
func (s *ForwarderService) forwardToMQTT(macHex string, payload []byte) {
	client := s.getMQTTClient()
	if client == nil {
		return
	}

	topic := fmt.Sprintf("%s/session/%s", s.cfg.TopicPrefix, macHex)

	token := client.Publish(topic, s.cfg.QoS, false, payload)
	if token.WaitTimeout(5 * time.Second) {
		if err := token.Error(); err != nil {
			log.Error().
				Err(err).
				Str("topic", topic).
				Msg("Failed to publish to MQTT")
		}
	} else {
		log.Error().
			Str("topic", topic).
			Msg("MQTT publish timeout")
	}
}

// forwardToHTTP POSTs a session snapshot to one webhook
func (s *ForwarderService) forwardToHTTP(hook WebhookConfig, payload []byte) {
	req, err := http.NewRequest("POST", hook.Endpoint, bytes.NewBuffer(payload))
	if err != nil {
		log.Error().Err(err).Msg("Failed to create webhook request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range hook.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		log.Error().
			Err(err).
			Str("endpoint", hook.Endpoint).
			Msg("Failed to forward to webhook")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Error().
			Int("status", resp.StatusCode).
			Str("endpoint", hook.Endpoint).
			Msg("Webhook delivery failed")
	}
}

// loadWebhooks reads the webhook endpoints from settings
func (s *ForwarderService) loadWebhooks() ([]WebhookConfig, error) {
	value, err := s.store.GetSetting(context.Background(), webhooksSettingKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var webhooks []WebhookConfig
	if err := json.Unmarshal([]byte(value), &webhooks); err != nil {
		return nil, err
	}

	return webhooks, nil
}

// getMQTTClient returns the connected client, reconnecting if needed
func (s *ForwarderService) getMQTTClient() mqtt.Client {
	s.mqttMu.Lock()
	defer s.mqttMu.Unlock()

	if s.mqttClient != nil && s.mqttClient.IsConnected() {
		return s.mqttClient
	}

	return nil
}

// connectMQTT connects the single site broker client
func (s *ForwarderService) connectMQTT() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)

	clientID := s.cfg.ClientID
	if clientID == "" {
		clientID = "vendo-server"
	}
	opts.SetClientID(clientID)

	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", s.cfg.Broker).Msg("MQTT client connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()

	if token.WaitTimeout(10*time.Second) && token.Error() == nil {
		s.mqttMu.Lock()
		s.mqttClient = client
		s.mqttMu.Unlock()
		return nil
	}

	return token.Error()
}

// closeMQTT disconnects the broker client
func (s *ForwarderService) closeMQTT() {
	s.mqttMu.Lock()
	defer s.mqttMu.Unlock()

	if s.mqttClient != nil && s.mqttClient.IsConnected() {
		s.mqttClient.Disconnect(250)
		log.Info().Msg("MQTT client disconnected")
	}
	s.mqttClient = nil
}
