// Package wire implements the framing used on the realtime channel: an outer
// engine packet (open, close, ping, pong, message) carrying socket packets
// (connect, event, ack, connect error) whose bodies are JSON arrays.
//
// A message frame for the event "join" with ack id 7 looks like:
//
//	427["join",{"sessionId":"..."}]
package wire

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

type EngineType byte

const (
	EngineOpen    EngineType = '0'
	EngineClose   EngineType = '1'
	EnginePing    EngineType = '2'
	EnginePong    EngineType = '3'
	EngineMessage EngineType = '4'
)

type PacketType byte

const (
	PacketConnect      PacketType = '0'
	PacketDisconnect   PacketType = '1'
	PacketEvent        PacketType = '2'
	PacketAck          PacketType = '3'
	PacketConnectError PacketType = '4'
)

const DefaultNamespace = "/"

var (
	ErrEmptyPayload  = errors.New("empty payload")
	ErrNotEvent      = errors.New("not an event packet")
	ErrNotAck        = errors.New("not an ack packet")
	ErrMissingAckID  = errors.New("missing ack id")
	ErrMissingName   = errors.New("missing event name")
	ErrInvalidBody   = errors.New("invalid packet body")
	ErrArgOutOfRange = errors.New("argument index out of range")
)

// Open is the body of the engine open packet sent by the server.
type Open struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int64    `json:"maxPayload"`
}

// Handshake is what a client sends in its connect packet.
type Handshake struct {
	Token   string `json:"token,omitempty"`
	GuestID string `json:"guestId,omitempty"`
}

// Welcome is the body of the connect packet the server answers with.
type Welcome struct {
	SID           string `json:"sid"`
	ParticipantID string `json:"participantId"`
	Anonymous     bool   `json:"anonymous"`
}

type ConnectError struct {
	Message string `json:"message"`
}

type Event struct {
	Namespace string
	ID        *int
	Name      string
	Args      []json.RawMessage
}

// Decode unmarshals argument i into v.
func (e Event) Decode(i int, v any) error {
	if i < 0 || i >= len(e.Args) {
		return ErrArgOutOfRange
	}
	return json.Unmarshal(e.Args[i], v)
}

type AckPacket struct {
	Namespace string
	ID        int
	Args      []json.RawMessage
}

// Ack is the discriminated result every request event is answered with.
type Ack struct {
	OK    bool            `json:"ok"`
	Code  string          `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func Success(data any) Ack {
	if data == nil {
		return Ack{OK: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Failure("internal", err.Error())
	}
	return Ack{OK: true, Data: raw}
}

func Failure(code, message string) Ack {
	return Ack{OK: false, Code: code, Error: message}
}

// Frame wraps a socket packet into an engine message.
func Frame(packet string) string {
	return string(EngineMessage) + packet
}

func splitNamespace(s string) (namespace string, rest string) {
	if !strings.HasPrefix(s, "/") {
		return DefaultNamespace, s
	}
	comma := strings.IndexByte(s, ',')
	if comma == -1 {
		return DefaultNamespace, s
	}
	return s[:comma], s[comma+1:]
}

func splitID(s string) (id *int, rest string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return nil, s
	}
	v, err := strconv.Atoi(s[:i])
	if err != nil {
		return nil, s
	}
	return &v, s[i:]
}

func writeHeader(b *strings.Builder, t PacketType, namespace string) {
	b.WriteByte(byte(t))
	if namespace != "" && namespace != DefaultNamespace {
		b.WriteString(namespace)
		b.WriteByte(',')
	}
}

func decodeArray(body string) ([]json.RawMessage, error) {
	if !strings.HasPrefix(body, "[") {
		return nil, ErrInvalidBody
	}
	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(body), &arr); err != nil {
		return nil, err
	}
	return arr, nil
}

// ParseEvent decodes a socket event packet (without the engine prefix).
func ParseEvent(payload string) (Event, error) {
	if payload == "" {
		return Event{}, ErrEmptyPayload
	}
	if PacketType(payload[0]) != PacketEvent {
		return Event{}, ErrNotEvent
	}

	ns, rest := splitNamespace(payload[1:])
	id, rest := splitID(rest)
	arr, err := decodeArray(rest)
	if err != nil {
		return Event{}, err
	}
	if len(arr) == 0 {
		return Event{}, ErrMissingName
	}
	var name string
	if err := json.Unmarshal(arr[0], &name); err != nil || name == "" {
		return Event{}, ErrMissingName
	}
	return Event{Namespace: ns, ID: id, Name: name, Args: arr[1:]}, nil
}

// ParseAck decodes a socket ack packet (without the engine prefix).
func ParseAck(payload string) (AckPacket, error) {
	if payload == "" {
		return AckPacket{}, ErrEmptyPayload
	}
	if PacketType(payload[0]) != PacketAck {
		return AckPacket{}, ErrNotAck
	}

	ns, rest := splitNamespace(payload[1:])
	id, rest := splitID(rest)
	if id == nil {
		return AckPacket{}, ErrMissingAckID
	}
	arr, err := decodeArray(rest)
	if err != nil {
		return AckPacket{}, err
	}
	return AckPacket{Namespace: ns, ID: *id, Args: arr}, nil
}

// ParseBody decodes the JSON object that follows a connect or connect error
// packet header.
func ParseBody(payload string, v any) error {
	if payload == "" {
		return ErrEmptyPayload
	}
	_, rest := splitNamespace(payload[1:])
	if rest == "" {
		return ErrInvalidBody
	}
	return json.Unmarshal([]byte(rest), v)
}

func EncodeEvent(namespace string, id *int, name string, args ...any) (string, error) {
	arr := make([]any, 0, 1+len(args))
	arr = append(arr, name)
	arr = append(arr, args...)
	data, err := json.Marshal(arr)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	writeHeader(&b, PacketEvent, namespace)
	if id != nil {
		b.WriteString(strconv.Itoa(*id))
	}
	b.Write(data)
	return b.String(), nil
}

func EncodeAck(namespace string, id int, args ...any) (string, error) {
	if args == nil {
		args = make([]any, 0)
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	writeHeader(&b, PacketAck, namespace)
	b.WriteString(strconv.Itoa(id))
	b.Write(data)
	return b.String(), nil
}

func encodeObject(t PacketType, namespace string, body any) (string, error) {
	var b strings.Builder
	writeHeader(&b, t, namespace)
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return "", err
		}
		b.Write(data)
	}
	return b.String(), nil
}

func EncodeConnect(namespace string, body any) (string, error) {
	return encodeObject(PacketConnect, namespace, body)
}

func EncodeConnectError(namespace string, message string) (string, error) {
	return encodeObject(PacketConnectError, namespace, ConnectError{Message: message})
}

func EncodeOpen(open Open) (string, error) {
	if open.Upgrades == nil {
		open.Upgrades = []string{}
	}
	data, err := json.Marshal(open)
	if err != nil {
		return "", err
	}
	return string(EngineOpen) + string(data), nil
}
