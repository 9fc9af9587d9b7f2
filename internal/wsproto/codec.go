package wsproto

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/vmihailenco/msgpack/v5"
)

// Encoding is the wire encoding of a socket.
type Encoding uint8

const (
	EncodingJSON Encoding = iota
	EncodingMsgPack
)

func (e Encoding) String() string {
	switch e {
	case EncodingMsgPack:
		return "msgpack"
	default:
		return "json"
	}
}

const (
	magic0  = byte('T')
	magic1  = byte('M')
	version = byte(1)
)

// PreferredEncoding picks the first known entry of a comma-separated list such as
// "msgpack,json". It falls back to JSON.
func PreferredEncoding(list string) Encoding {
	for _, p := range strings.Split(list, ",") {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "msgpack":
			return EncodingMsgPack
		case "json":
			return EncodingJSON
		}
	}
	return EncodingJSON
}

// Marshal encodes msg. JSON goes out as a text frame; msgpack as a binary frame
// with a 4 byte envelope: magic, version, encoding.
func Marshal(msg *Message, enc Encoding) (websocket.MessageType, []byte, error) {
	if enc == EncodingJSON {
		data, err := json.Marshal(msg)
		return websocket.MessageText, data, err
	}

	payload, err := marshalMsgpack(msg)
	if err != nil {
		return websocket.MessageBinary, nil, err
	}
	buf := make([]byte, 4+len(payload))
	buf[0], buf[1], buf[2], buf[3] = magic0, magic1, version, byte(enc)
	copy(buf[4:], payload)
	return websocket.MessageBinary, buf, nil
}

// Unmarshal decodes a frame. Payloads are always pointers to the message structs.
func Unmarshal(typ websocket.MessageType, data []byte) (*Message, Encoding, error) {
	switch typ {
	case websocket.MessageText:
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, EncodingJSON, err
		}
		return &msg, EncodingJSON, nil

	case websocket.MessageBinary:
		if len(data) < 4 || data[0] != magic0 || data[1] != magic1 {
			return nil, EncodingMsgPack, errors.New("binary message missing envelope")
		}
		if data[2] != version {
			return nil, EncodingMsgPack, fmt.Errorf("unsupported envelope version: %d", data[2])
		}
		enc := Encoding(data[3])
		switch enc {
		case EncodingMsgPack:
			msg, err := unmarshalMsgpack(data[4:])
			return msg, enc, err
		case EncodingJSON:
			var msg Message
			if err := json.Unmarshal(data[4:], &msg); err != nil {
				return nil, enc, err
			}
			return &msg, enc, nil
		default:
			return nil, enc, fmt.Errorf("unknown encoding: %d", enc)
		}

	default:
		return nil, EncodingJSON, fmt.Errorf("unsupported websocket message type: %v", typ)
	}
}

type wireMessage struct {
	Id   string      `json:"id"`
	Type MessageType `json:"typ"`
	Data []byte      `json:"dat"`
}

func marshalMsgpack(msg *Message) ([]byte, error) {
	want, err := newPayload(msg.Type)
	if err != nil {
		return nil, err
	}
	// accept the payload by value or by pointer
	data := msg.Data
	if v := reflect.ValueOf(data); v.IsValid() && v.Kind() != reflect.Pointer {
		data = reflect.New(v.Type()).Interface()
		reflect.ValueOf(data).Elem().Set(v)
	}
	if reflect.TypeOf(data) != reflect.TypeOf(want) {
		return nil, fmt.Errorf("invalid %s payload type: %T", msg.Type, msg.Data)
	}

	dat, err := encodeMsgpack(data)
	if err != nil {
		return nil, err
	}
	return encodeMsgpack(&wireMessage{Id: msg.Id, Type: msg.Type, Data: dat})
}

func unmarshalMsgpack(payload []byte) (*Message, error) {
	var w wireMessage
	if err := decodeMsgpack(payload, &w); err != nil {
		return nil, err
	}
	data, err := newPayload(w.Type)
	if err != nil {
		return nil, err
	}
	if err := decodeMsgpack(w.Data, data); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", w.Type, err)
	}
	return &Message{Id: w.Id, Type: w.Type, Data: data}, nil
}

// msgpack shares the json field names.
func encodeMsgpack(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMsgpack(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}
