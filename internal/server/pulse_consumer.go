package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/vendo-server/vendo-server-pro/internal/engine"
	"github.com/vendo-server/vendo-server-pro/internal/models"
	"github.com/vendo-server/vendo-server-pro/internal/pulse"
	"github.com/vendo-server/vendo-server-pro/internal/registry"
)

// PulseConsumer subscribes to the pulse bridge subjects and drives the
// device registry and the admission engine. It is the only path from
// hardware events into the engine.
type PulseConsumer struct {
	nc       *nats.Conn
	engine   *engine.Engine
	registry *registry.Registry
	subs     []*nats.Subscription
}

// NewPulseConsumer creates a pulse consumer
func NewPulseConsumer(nc *nats.Conn, eng *engine.Engine, reg *registry.Registry) *PulseConsumer {
	return &PulseConsumer{
		nc:       nc,
		engine:   eng,
		registry: reg,
		subs:     make([]*nats.Subscription, 0),
	}
}

// Start starts subscriptions and blocks until the context is cancelled
func (c *PulseConsumer) Start(ctx context.Context) error {
	sub1, err := c.nc.Subscribe("pulse.*.credit", c.handleCredit)
	if err != nil {
		return fmt.Errorf("subscribe pulse credit: %w", err)
	}
	c.subs = append(c.subs, sub1)

	sub2, err := c.nc.Subscribe("pulse.*.announce", c.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe pulse announce: %w", err)
	}
	c.subs = append(c.subs, sub2)

	sub3, err := c.nc.Subscribe("pulse.*.heartbeat", c.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe pulse heartbeat: %w", err)
	}
	c.subs = append(c.subs, sub3)

	log.Info().
		Int("subscriptions", len(c.subs)).
		Msg("Pulse consumer started")

	<-ctx.Done()

	for _, sub := range c.subs {
		sub.Unsubscribe()
	}

	return ctx.Err()
}

// handleCredit turns one coin pulse into a payment event. A zero node MAC
// is the controller's own pulse board; anything else must be a registered
// sub-vendo device.
func (c *PulseConsumer) handleCredit(msg *nats.Msg) {
	var credit pulse.CreditMessage
	if err := json.Unmarshal(msg.Data, &credit); err != nil {
		log.Error().Err(err).Msg("Failed to unmarshal credit message")
		return
	}

	clientMAC, err := models.ParseMAC(credit.ClientMAC)
	if err != nil {
		log.Warn().Str("clientMac", credit.ClientMAC).Msg("Credit with invalid client MAC dropped")
		return
	}

	nodeMAC, err := models.ParseMAC(credit.NodeMAC)
	if err != nil {
		log.Warn().Str("nodeMac", credit.NodeMAC).Msg("Credit with invalid node MAC dropped")
		return
	}

	var source models.PaymentSource
	if nodeMAC == (models.MAC{}) {
		source = models.CoinSource(credit.Pin)
	} else {
		deviceID, ok := c.registry.LookupByMAC(nodeMAC)
		if !ok {
			log.Warn().
				Str("node", nodeMAC.String()).
				Msg("Credit from unregistered node dropped")
			return
		}
		source = models.SubVendoSource(deviceID)
	}

	event := models.PaymentEvent{
		Source:    source,
		MAC:       clientMAC,
		IP:        credit.ClientIP,
		Amount:    credit.Denomination,
		Timestamp: time.Unix(credit.Timestamp, 0),
	}

	if _, err := c.engine.Credit(context.Background(), event); err != nil {
		log.Warn().
			Err(err).
			Str("client", clientMAC.String()).
			Int64("amount", credit.Denomination).
			Str("source", source.String()).
			Msg("Credit rejected")
	}
}

// handleAnnounce registers or refreshes a sub-vendo node
func (c *PulseConsumer) handleAnnounce(msg *nats.Msg) {
	var announce pulse.AnnounceMessage
	if err := json.Unmarshal(msg.Data, &announce); err != nil {
		log.Error().Err(err).Msg("Failed to unmarshal announce message")
		return
	}

	mac, err := models.ParseMAC(announce.NodeMAC)
	if err != nil {
		log.Warn().Str("nodeMac", announce.NodeMAC).Msg("Announce with invalid node MAC dropped")
		return
	}

	if _, _, err := c.registry.Announce(context.Background(), mac, announce.IP, announce.Name); err != nil {
		log.Error().Err(err).Str("node", mac.String()).Msg("Failed to register node announcement")
	}
}

// handleHeartbeat refreshes a node's liveness
func (c *PulseConsumer) handleHeartbeat(msg *nats.Msg) {
	var heartbeat pulse.HeartbeatMessage
	if err := json.Unmarshal(msg.Data, &heartbeat); err != nil {
		log.Error().Err(err).Msg("Failed to unmarshal heartbeat message")
		return
	}

	mac, err := models.ParseMAC(heartbeat.NodeMAC)
	if err != nil {
		return
	}

	if err := c.registry.Heartbeat(context.Background(), mac, heartbeat.TotalPulses); err != nil {
		log.Debug().Err(err).Str("node", mac.String()).Msg("Heartbeat from unknown node")
	}
}
