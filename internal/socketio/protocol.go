package socketio

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Every websocket text message is an Engine.IO frame: one type byte, then the body. Message
// frames carry a Socket.IO packet laid out as
//
//	<packet type>[<namespace>,][<ack id>]<json data>
const (
	frameOpen    = '0'
	frameClose   = '1'
	framePing    = '2'
	framePong    = '3'
	frameMessage = '4'
)

type packetType byte

const (
	packetConnect    packetType = '0'
	packetDisconnect packetType = '1'
	packetEvent      packetType = '2'
	packetAck        packetType = '3'
)

const rootNamespace = "/"

type packet struct {
	Type      packetType
	Namespace string
	AckID     *int
	Data      json.RawMessage
}

var (
	errEmptyPacket = errors.New("empty packet")
	errEventArray  = errors.New("event data must be a non-empty array")
	errEventName   = errors.New("event name must be a non-empty string")
)

// decodePacket splits the header of a Socket.IO packet from its JSON data. The data is not
// parsed here; an absent namespace means the root namespace.
func decodePacket(s string) (packet, error) {
	if s == "" {
		return packet{}, errEmptyPacket
	}
	p := packet{Type: packetType(s[0]), Namespace: rootNamespace}
	rest := s[1:]

	if strings.HasPrefix(rest, "/") {
		if comma := strings.IndexByte(rest, ','); comma >= 0 {
			p.Namespace, rest = rest[:comma], rest[comma+1:]
		} else {
			p.Namespace, rest = rest, ""
		}
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.Atoi(rest[:digits])
		if err != nil {
			return packet{}, errors.Wrap(err, "ack id")
		}
		p.AckID = &id
		rest = rest[digits:]
	}

	p.Data = json.RawMessage(rest)
	return p, nil
}

// event returns the name and arguments of an EVENT packet.
func (p packet) event() (string, []json.RawMessage, error) {
	if p.Type != packetEvent {
		return "", nil, errors.Errorf("packet type %q is not an event", p.Type)
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(p.Data, &arr); err != nil || len(arr) == 0 {
		return "", nil, errEventArray
	}
	var name string
	if err := json.Unmarshal(arr[0], &name); err != nil || name == "" {
		return "", nil, errEventName
	}
	return name, arr[1:], nil
}

func newPacket(t packetType, namespace string, ackID *int, data any) (packet, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return packet{}, errors.Wrapf(err, "encode packet %q", t)
	}
	return packet{Type: t, Namespace: namespace, AckID: ackID, Data: raw}, nil
}

func eventPacket(event string, args ...any) (packet, error) {
	return newPacket(packetEvent, rootNamespace, nil, append([]any{event}, args...))
}

func ackPacket(namespace string, id int, args ...any) (packet, error) {
	if args == nil {
		args = []any{}
	}
	return newPacket(packetAck, namespace, &id, args)
}

func connectPacket(namespace, sid string) (packet, error) {
	return newPacket(packetConnect, namespace, nil, map[string]string{"sid": sid})
}

// frame wraps the packet in an Engine.IO message frame ready to write.
func (p packet) frame() string {
	var b strings.Builder
	b.WriteByte(frameMessage)
	b.WriteByte(byte(p.Type))
	if p.Namespace != "" && p.Namespace != rootNamespace {
		b.WriteString(p.Namespace)
		b.WriteByte(',')
	}
	if p.AckID != nil {
		b.WriteString(strconv.Itoa(*p.AckID))
	}
	b.Write(p.Data)
	return b.String()
}
