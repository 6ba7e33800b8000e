package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Engine.IO v4 packet types.
const (
	engineOpen    = '0'
	engineClose   = '1'
	enginePing    = '2'
	enginePong    = '3'
	engineMessage = '4'
	engineNoop    = '6'
)

// Socket.IO v5 packet types, carried inside an engine message.
const (
	socketConnect      = '0'
	socketDisconnect   = '1'
	socketEvent        = '2'
	socketAck          = '3'
	socketConnectError = '4'
	socketBinaryEvent  = '5'
)

const defaultNamespace = "/"

type packet struct {
	engine    byte
	socket    byte
	namespace string
	ackID     string
	payload   []byte
}

var errEmptyPacket = errors.New("empty realtime packet")

func parsePacket(raw string) (packet, error) {
	if raw == "" {
		return packet{}, errEmptyPacket
	}
	p := packet{engine: raw[0], namespace: defaultNamespace}
	rest := raw[1:]
	if p.engine != engineMessage {
		p.payload = []byte(rest)
		return p, nil
	}
	if rest == "" {
		return packet{}, fmt.Errorf("socket packet missing type: %q", raw)
	}
	p.socket = rest[0]
	rest = rest[1:]

	if p.socket == socketBinaryEvent {
		// Attachment count prefix, "<n>-".
		if idx := strings.IndexByte(rest, '-'); idx >= 0 {
			rest = rest[idx+1:]
		}
	}
	if strings.HasPrefix(rest, "/") {
		end := strings.IndexByte(rest, ',')
		if end < 0 {
			p.namespace = rest
			rest = ""
		} else {
			p.namespace = rest[:end]
			rest = rest[end+1:]
		}
	}
	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	p.ackID = rest[:digits]
	p.payload = []byte(rest[digits:])
	return p, nil
}

func namespacePrefix(namespace string) string {
	if namespace == "" || namespace == defaultNamespace {
		return ""
	}
	return namespace + ","
}

func encodeConnect(namespace string, token string) (string, error) {
	auth, err := json.Marshal(connectAuth{Token: token})
	if err != nil {
		return "", err
	}
	return string([]byte{engineMessage, socketConnect}) + namespacePrefix(namespace) + string(auth), nil
}

func encodeDisconnect(namespace string) string {
	return string([]byte{engineMessage, socketDisconnect}) + namespacePrefix(namespace)
}

// decodeEvent unpacks the ["name", arg, ...] array of an event packet.
func decodeEvent(payload []byte) (Event, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(payload, &args); err != nil {
		return Event{}, fmt.Errorf("invalid event payload: %w", err)
	}
	if len(args) == 0 {
		return Event{}, errors.New("event payload has no name")
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return Event{}, fmt.Errorf("invalid event name: %w", err)
	}
	event := Event{Name: name}
	if len(args) > 1 {
		event.Data = args[1]
	}
	return event, nil
}

func decodeConnectError(namespace string, payload []byte) *ConnectError {
	connectErr := &ConnectError{Namespace: namespace}
	body := connectErrorPayload{}
	if err := json.Unmarshal(payload, &body); err == nil {
		connectErr.Message = body.Message
		return connectErr
	}
	// Older servers send a bare JSON string.
	var message string
	if err := json.Unmarshal(payload, &message); err == nil {
		connectErr.Message = message
	}
	return connectErr
}
