// Package pulsewire implements the UDP protocol spoken between the
// controller and coin-pulse hardware: the locally wired GPIO pulse board
// and networked sub-vendo nodes. Framing is a fixed 10-byte header
// (version, random token, message type, node MAC) followed by an optional
// JSON payload.
package pulsewire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the supported wire protocol version
const ProtocolVersion = 1

// Message types
const (
	PulseData   = 0x00 // node -> controller: coin pulse
	PulseAck    = 0x01 // controller -> node
	Announce    = 0x02 // node -> controller: discovery announcement
	AnnounceAck = 0x03 // controller -> node
	Heartbeat   = 0x04 // node -> controller: keepalive + counters
)

// HeaderLen is the fixed packet header size
const HeaderLen = 10

// Header is the fixed packet prefix
type Header struct {
	Version uint8
	Token   uint16
	Type    uint8
	NodeMAC [6]byte
}

// PulsePayload reports one coin insertion. Denomination is in whole
// currency units; ClientMAC/ClientIP name the client being credited.
type PulsePayload struct {
	Pin          int    `json:"pin"`
	Denomination int64  `json:"denomination"`
	ClientMAC    string `json:"clientMac"`
	ClientIP     string `json:"clientIp"`
}

// AnnouncePayload is sent by a node on boot and periodically until accepted
type AnnouncePayload struct {
	Name     string `json:"name"`
	IP       string `json:"ip"`
	Firmware string `json:"firmware"`
}

// HeartbeatPayload carries node liveness and counters
type HeartbeatPayload struct {
	UptimeSeconds int64 `json:"uptimeSeconds"`
	TotalPulses   int64 `json:"totalPulses"`
}

// Encode builds a packet from header fields and an optional JSON payload
func Encode(msgType uint8, token uint16, nodeMAC [6]byte, payload interface{}) ([]byte, error) {
	buf := make([]byte, HeaderLen)
	buf[0] = ProtocolVersion
	binary.BigEndian.PutUint16(buf[1:3], token)
	buf[3] = msgType
	copy(buf[4:10], nodeMAC[:])

	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		buf = append(buf, body...)
	}

	return buf, nil
}

// Decode splits a raw packet into its header and payload bytes
func Decode(data []byte) (Header, []byte, error) {
	var h Header

	if len(data) < HeaderLen {
		return h, nil, fmt.Errorf("packet too short: %d bytes", len(data))
	}

	h.Version = data[0]
	h.Token = binary.BigEndian.Uint16(data[1:3])
	h.Type = data[3]
	copy(h.NodeMAC[:], data[4:10])

	if h.Version != ProtocolVersion {
		return h, nil, fmt.Errorf("unsupported protocol version %d", h.Version)
	}

	return h, data[HeaderLen:], nil
}

// EncodeAck builds the 10-byte acknowledgment for a received packet
func EncodeAck(ackType uint8, token uint16, nodeMAC [6]byte) []byte {
	buf, _ := Encode(ackType, token, nodeMAC, nil)
	return buf
}
