package packet

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind discriminates the closed set of wire packet types. The canonical wire
// name is what travels inside the packet_type field of every record.
type Kind uint8

const (
	Banned           Kind = 0
	NotWhitelisted   Kind = 1
	ConnectionClosed Kind = 2
	Username         Kind = 3
	ClientMessage    Kind = 4
)

var kindMap = map[Kind]string{
	Banned:           "BANNED",
	NotWhitelisted:   "NOT_WHITELISTED",
	ConnectionClosed: "CONNECTION_CLOSED",
	Username:         "USERNAME",
	ClientMessage:    "CLIENT_MESSAGE",
}

var wireMap = map[string]Kind{
	"BANNED":            Banned,
	"NOT_WHITELISTED":   NotWhitelisted,
	"CONNECTION_CLOSED": ConnectionClosed,
	"USERNAME":          Username,
	"CLIENT_MESSAGE":    ClientMessage,
}

// String returns the canonical wire name for k.
func (k Kind) String() string {
	if n, ok := kindMap[k]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// DisplayName returns a single-capitalized human label for diagnostics,
// NOT_WHITELISTED becomes "Not whitelisted". Never used on the wire.
func (k Kind) DisplayName() string {
	n, ok := kindMap[k]
	if !ok {
		return k.String()
	}
	n = strings.ReplaceAll(strings.ToLower(n), "_", " ")
	return strings.ToUpper(n[:1]) + n[1:]
}

// Packet is one immutable protocol message. Concrete packets carry their
// discriminator in the packet_type field so every record is self-describing.
type Packet interface {
	Kind() Kind
}

type BannedPacket struct {
	Type string `json:"packet_type"`
}

func NewBanned() *BannedPacket {
	return &BannedPacket{Type: Banned.String()}
}

func (p *BannedPacket) Kind() Kind { return Banned }

type NotWhitelistedPacket struct {
	Type string `json:"packet_type"`
}

func NewNotWhitelisted() *NotWhitelistedPacket {
	return &NotWhitelistedPacket{Type: NotWhitelisted.String()}
}

func (p *NotWhitelistedPacket) Kind() Kind { return NotWhitelisted }

// ConnectionClosedPacket is sent immediately before any teardown. Reason is
// omitted from the record when empty.
type ConnectionClosedPacket struct {
	Type   string `json:"packet_type"`
	Reason string `json:"reason,omitempty"`
}

func NewConnectionClosed(reason string) *ConnectionClosedPacket {
	return &ConnectionClosedPacket{Type: ConnectionClosed.String(), Reason: reason}
}

func (p *ConnectionClosedPacket) Kind() Kind { return ConnectionClosed }

type UsernamePacket struct {
	Type     string `json:"packet_type"`
	Username string `json:"username"`
}

func NewUsername(username string) *UsernamePacket {
	return &UsernamePacket{Type: Username.String(), Username: username}
}

func (p *UsernamePacket) Kind() Kind { return Username }

// ClientMessagePacket carries client-authored chat content. Encrypted is a
// placeholder capability flag, payload encryption is not implemented.
type ClientMessagePacket struct {
	Type      string `json:"packet_type"`
	Message   string `json:"message"`
	Encrypted bool   `json:"encrypted"`
	Chat      string `json:"chat"`
}

func NewClientMessage(message string, encrypted bool, chat string) *ClientMessagePacket {
	return &ClientMessagePacket{Type: ClientMessage.String(), Message: message, Encrypted: encrypted, Chat: chat}
}

func (p *ClientMessagePacket) Kind() Kind { return ClientMessage }

// Marshal serializes p to one compact JSON record without framing, the
// writer owns the trailing newline.
func Marshal(p Packet) ([]byte, error) {
	return json.Marshal(p)
}

// Unmarshal decodes a single record into its concrete packet type. A record
// whose packet_type is missing or unknown is malformed.
func Unmarshal(b []byte) (Packet, error) {
	var env struct {
		Type string `json:"packet_type"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}

	k, ok := wireMap[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown packet_type %q", ErrMalformed, env.Type)
	}

	var p Packet
	switch k {
	case Banned:
		p = &BannedPacket{}
	case NotWhitelisted:
		p = &NotWhitelistedPacket{}
	case ConnectionClosed:
		p = &ConnectionClosedPacket{}
	case Username:
		p = &UsernamePacket{}
	case ClientMessage:
		p = &ClientMessagePacket{}
	}

	if err := json.Unmarshal(b, p); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}

	return p, nil
}
