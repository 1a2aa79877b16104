package pulse

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/vendo-server/vendo-server-pro/internal/models"
	"github.com/vendo-server/vendo-server-pro/pkg/pulsewire"
)

// NATS subjects the bridge publishes to. The node MAC is hex without
// separators so it is a single subject token.
const (
	SubjectCredit    = "pulse.%s.credit"
	SubjectAnnounce  = "pulse.%s.announce"
	SubjectHeartbeat = "pulse.%s.heartbeat"
)

// CreditMessage is the bus form of one coin pulse
type CreditMessage struct {
	NodeMAC      string `json:"nodeMac"`
	Pin          int    `json:"pin"`
	Denomination int64  `json:"denomination"`
	ClientMAC    string `json:"clientMac"`
	ClientIP     string `json:"clientIp"`
	Timestamp    int64  `json:"timestamp"`
}

// AnnounceMessage is the bus form of a node announcement
type AnnounceMessage struct {
	NodeMAC   string `json:"nodeMac"`
	Name      string `json:"name"`
	IP        string `json:"ip"`
	Firmware  string `json:"firmware"`
	Timestamp int64  `json:"timestamp"`
}

// HeartbeatMessage is the bus form of a node keepalive
type HeartbeatMessage struct {
	NodeMAC     string `json:"nodeMac"`
	TotalPulses int64  `json:"totalPulses"`
	Timestamp   int64  `json:"timestamp"`
}

// nodeInfo tracks the last known address of a hardware node
type nodeInfo struct {
	addr     *net.UDPAddr
	lastSeen time.Time
}

// UDPListener terminates the pulsewire UDP protocol. Every valid packet is
// acknowledged immediately so hardware can retransmit unacked pulses, then
// translated onto NATS for the controller to consume. The bridge itself
// keeps no business state.
type UDPListener struct {
	conn *net.UDPConn
	nc   *nats.Conn

	mu    sync.Mutex
	nodes map[[6]byte]*nodeInfo
}

// NewUDPListener binds the pulsewire UDP socket
func NewUDPListener(bindAddr string, nc *nats.Conn) (*UDPListener, error) {
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	return &UDPListener{
		conn:  conn,
		nc:    nc,
		nodes: make(map[[6]byte]*nodeInfo),
	}, nil
}

// Start runs the receive loop until the context is cancelled
func (u *UDPListener) Start(ctx context.Context) error {
	log.Info().Str("addr", u.conn.LocalAddr().String()).Msg("Pulse bridge UDP listener started")

	go u.cleanupNodes(ctx)

	go func() {
		<-ctx.Done()
		u.conn.Close()
	}()

	buf := make([]byte, 2048)
	for {
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			log.Error().Err(err).Msg("Failed to read UDP packet")
			continue
		}

		packet := make([]byte, n)
		copy(packet, buf[:n])
		go u.handlePacket(packet, addr)
	}
}

// handlePacket dispatches one received packet
func (u *UDPListener) handlePacket(data []byte, addr *net.UDPAddr) {
	header, payload, err := pulsewire.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("addr", addr.String()).Msg("Dropping malformed packet")
		return
	}

	u.trackNode(header.NodeMAC, addr)

	switch header.Type {
	case pulsewire.PulseData:
		u.handlePulse(header, payload, addr)
	case pulsewire.Announce:
		u.handleAnnounce(header, payload, addr)
	case pulsewire.Heartbeat:
		u.handleHeartbeat(header, payload)
	default:
		log.Warn().
			Uint8("type", header.Type).
			Str("addr", addr.String()).
			Msg("Unknown packet type")
	}
}

// handlePulse acks a coin pulse and publishes it. The ack goes out before
// the publish: the hardware retransmits until acked, and duplicate pulses
// are cheaper to absorb than lost coins.
func (u *UDPListener) handlePulse(header pulsewire.Header, payload []byte, addr *net.UDPAddr) {
	u.conn.WriteToUDP(pulsewire.EncodeAck(pulsewire.PulseAck, header.Token, header.NodeMAC), addr)

	var pulse pulsewire.PulsePayload
	if err := json.Unmarshal(payload, &pulse); err != nil {
		log.Error().Err(err).Msg("Failed to unmarshal pulse payload")
		return
	}

	if _, err := models.ParseMAC(pulse.ClientMAC); err != nil {
		log.Warn().Str("clientMac", pulse.ClientMAC).Msg("Pulse with invalid client MAC dropped")
		return
	}

	nodeHex := hex.EncodeToString(header.NodeMAC[:])
	msg := CreditMessage{
		NodeMAC:      nodeHex,
		Pin:          pulse.Pin,
		Denomination: pulse.Denomination,
		ClientMAC:    pulse.ClientMAC,
		ClientIP:     pulse.ClientIP,
		Timestamp:    time.Now().Unix(),
	}

	u.publish(fmt.Sprintf(SubjectCredit, nodeHex), msg)

	log.Info().
		Str("node", nodeHex).
		Str("client", pulse.ClientMAC).
		Int64("denomination", pulse.Denomination).
		Msg("Coin pulse received")
}

// handleAnnounce acks a node announcement and publishes it
func (u *UDPListener) handleAnnounce(header pulsewire.Header, payload []byte, addr *net.UDPAddr) {
	u.conn.WriteToUDP(pulsewire.EncodeAck(pulsewire.AnnounceAck, header.Token, header.NodeMAC), addr)

	var announce pulsewire.AnnouncePayload
	if err := json.Unmarshal(payload, &announce); err != nil {
		log.Error().Err(err).Msg("Failed to unmarshal announce payload")
		return
	}

	// Nodes behind NAT report a wrong IP; the socket address wins
	ip := addr.IP.String()
	if announce.IP != "" && announce.IP != ip {
		log.Debug().Str("reported", announce.IP).Str("actual", ip).Msg("Announce IP differs from socket address")
	}

	nodeHex := hex.EncodeToString(header.NodeMAC[:])
	msg := AnnounceMessage{
		NodeMAC:   nodeHex,
		Name:      announce.Name,
		IP:        ip,
		Firmware:  announce.Firmware,
		Timestamp: time.Now().Unix(),
	}

	u.publish(fmt.Sprintf(SubjectAnnounce, nodeHex), msg)

	log.Info().
		Str("node", nodeHex).
		Str("ip", ip).
		Str("firmware", announce.Firmware).
		Msg("Node announcement received")
}

// handleHeartbeat publishes a node keepalive
func (u *UDPListener) handleHeartbeat(header pulsewire.Header, payload []byte) {
	var heartbeat pulsewire.HeartbeatPayload
	if err := json.Unmarshal(payload, &heartbeat); err != nil {
		log.Error().Err(err).Msg("Failed to unmarshal heartbeat payload")
		return
	}

	nodeHex := hex.EncodeToString(header.NodeMAC[:])
	msg := HeartbeatMessage{
		NodeMAC:     nodeHex,
		TotalPulses: heartbeat.TotalPulses,
		Timestamp:   time.Now().Unix(),
	}

	u.publish(fmt.Sprintf(SubjectHeartbeat, nodeHex), msg)
}

func (u *UDPListener) publish(subject string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal bus message")
		return
	}

	if err := u.nc.Publish(subject, data); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to publish to NATS")
	}
}

func (u *UDPListener) trackNode(mac [6]byte, addr *net.UDPAddr) {
	u.mu.Lock()
	defer u.mu.Unlock()

	node, ok := u.nodes[mac]
	if !ok {
		node = &nodeInfo{}
		u.nodes[mac] = node
	}
	node.addr = addr
	node.lastSeen = time.Now()
}

// cleanupNodes drops address cache entries for silent nodes
func (u *UDPListener) cleanupNodes(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.mu.Lock()
			now := time.Now()
			for mac, node := range u.nodes {
				if now.Sub(node.lastSeen) > 5*time.Minute {
					delete(u.nodes, mac)
					log.Info().Str("node", hex.EncodeToString(mac[:])).Msg("Node silent, clearing address cache")
				}
			}
			u.mu.Unlock()
		}
	}
}
