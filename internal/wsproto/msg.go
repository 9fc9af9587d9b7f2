package wsproto

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/openmined/treemirror/internal/znode"
)

type MessageType uint16

const (
	MsgHello MessageType = iota
	MsgError
	MsgRequest
	MsgResponse
	MsgWatch
)

func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "HELLO"
	case MsgError:
		return "ERROR"
	case MsgRequest:
		return "REQUEST"
	case MsgResponse:
		return "RESPONSE"
	case MsgWatch:
		return "WATCH"
	default:
		return fmt.Sprintf("???(%d)", t)
	}
}

// newPayload returns a pointer to an empty payload for t.
func newPayload(t MessageType) (any, error) {
	switch t {
	case MsgHello:
		return &Hello{}, nil
	case MsgError:
		return &Error{}, nil
	case MsgRequest:
		return &Request{}, nil
	case MsgResponse:
		return &Response{}, nil
	case MsgWatch:
		return &WatchEvent{}, nil
	default:
		return nil, fmt.Errorf("unknown message type: %d", t)
	}
}

// Message is the envelope of every frame. Responses and errors carry the id of
// the request they answer.
type Message struct {
	Id   string      `json:"id"`
	Type MessageType `json:"typ"`
	Data any         `json:"dat"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Id   string          `json:"id"`
		Type MessageType     `json:"typ"`
		Data json.RawMessage `json:"dat"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	payload, err := newPayload(raw.Type)
	if err != nil {
		return err
	}
	if len(raw.Data) > 0 {
		if err := json.Unmarshal(raw.Data, payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", raw.Type, err)
		}
	}

	m.Id = raw.Id
	m.Type = raw.Type
	m.Data = payload
	return nil
}

func newID() string {
	return uuid.NewString()
}

// Hello is the first frame the server sends on a socket.
type Hello struct {
	SessionID string `json:"sid"`
	Resumed   bool   `json:"res,omitempty"`
	Version   string `json:"ver"`
	// Timeout is the session grace period in milliseconds.
	Timeout int64 `json:"tmo"`
}

type Op string

const (
	OpExists   Op = "exists"
	OpGet      Op = "get"
	OpChildren Op = "children"
	OpCreate   Op = "create"
	OpSet      Op = "set"
	OpDelete   Op = "delete"
)

type Request struct {
	Op      Op     `json:"op"`
	Path    string `json:"pth"`
	Data    []byte `json:"dat,omitempty"`
	Mode    int    `json:"mod,omitempty"`
	Version int32  `json:"ver"`
	Watch   bool   `json:"wch,omitempty"`
}

type Response struct {
	Exists   bool        `json:"ext,omitempty"`
	Path     string      `json:"pth,omitempty"`
	Data     []byte      `json:"dat,omitempty"`
	Stat     *znode.Stat `json:"st,omitempty"`
	Children []string    `json:"chl,omitempty"`
	WatchID  string      `json:"wid,omitempty"`
}

type Error struct {
	Code    string `json:"cod"`
	Path    string `json:"pth,omitempty"`
	Message string `json:"msg"`
}

// WatchEvent reports that the watch WatchID fired.
type WatchEvent struct {
	WatchID string `json:"wid"`
	Type    string `json:"typ"`
	Path    string `json:"pth"`
	Code    string `json:"cod,omitempty"`
}

func NewHello(h Hello) *Message {
	return &Message{Id: newID(), Type: MsgHello, Data: &h}
}

func NewRequest(r Request) *Message {
	return &Message{Id: newID(), Type: MsgRequest, Data: &r}
}

func NewResponse(id string, r Response) *Message {
	return &Message{Id: id, Type: MsgResponse, Data: &r}
}

func NewError(id string, err error, path string) *Message {
	return &Message{Id: id, Type: MsgError, Data: &Error{Code: ErrorCode(err), Path: path, Message: err.Error()}}
}

func NewWatch(w WatchEvent) *Message {
	return &Message{Id: newID(), Type: MsgWatch, Data: &w}
}
