package wsproto

import (
	"testing"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/openmined/treemirror/internal/session"
	"github.com/openmined/treemirror/internal/znode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_RoundTrip(t *testing.T) {
	stat := &znode.Stat{Czxid: 4, Mzxid: 5, Version: 1, DataLength: 6}
	messages := []*Message{
		NewHello(Hello{SessionID: "s1", Version: "0.1.0", Timeout: 30000}),
		NewRequest(Request{Op: OpSet, Path: "/curator/nodecache", Data: []byte("update"), Version: -1}),
		NewResponse("r1", Response{Exists: true, Data: []byte("update"), Stat: stat, WatchID: "w1"}),
		NewResponse("r2", Response{Children: []string{"a", "b"}}),
		NewError("r3", session.ErrNoNode, "/missing"),
		NewWatch(WatchEvent{WatchID: "w1", Type: "node_data_changed", Path: "/curator/nodecache"}),
	}

	for _, enc := range []Encoding{EncodingJSON, EncodingMsgPack} {
		for _, msg := range messages {
			t.Run(enc.String()+"/"+msg.Type.String(), func(t *testing.T) {
				typ, data, err := Marshal(msg, enc)
				require.NoError(t, err)
				if enc == EncodingJSON {
					assert.Equal(t, websocket.MessageText, typ)
				} else {
					assert.Equal(t, websocket.MessageBinary, typ)
					assert.Equal(t, []byte{'T', 'M', 1, byte(EncodingMsgPack)}, data[:4])
				}

				decoded, gotEnc, err := Unmarshal(typ, data)
				require.NoError(t, err)
				assert.Equal(t, enc, gotEnc)
				assert.Equal(t, msg.Id, decoded.Id)
				assert.Equal(t, msg.Type, decoded.Type)
				assert.Equal(t, msg.Data, decoded.Data)
			})
		}
	}
}

func TestCodec_MsgPackValuePayload(t *testing.T) {
	msg := &Message{Id: "x", Type: MsgRequest, Data: Request{Op: OpGet, Path: "/a", Watch: true}}
	typ, data, err := Marshal(msg, EncodingMsgPack)
	require.NoError(t, err)

	decoded, _, err := Unmarshal(typ, data)
	require.NoError(t, err)
	req, ok := decoded.Data.(*Request)
	require.True(t, ok)
	assert.Equal(t, OpGet, req.Op)
	assert.True(t, req.Watch)
}

func TestCodec_Rejects(t *testing.T) {
	_, _, err := Unmarshal(websocket.MessageBinary, []byte{0, 1, 2, 3})
	assert.Error(t, err)

	_, _, err = Unmarshal(websocket.MessageBinary, []byte{'T', 'M', 9, 1})
	assert.ErrorContains(t, err, "version")

	_, _, err = Unmarshal(websocket.MessageText, []byte(`{"id":"1","typ":99,"dat":{}}`))
	assert.ErrorContains(t, err, "unknown message type")

	_, _, err = Marshal(&Message{Type: MsgRequest, Data: Hello{}}, EncodingMsgPack)
	assert.ErrorContains(t, err, "invalid REQUEST payload")
}

func TestCodec_JSONFieldNames(t *testing.T) {
	data, err := json.Marshal(NewError("r1", session.ErrBadVersion, "/a"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"r1","typ":1,"dat":{"cod":"E_BAD_VERSION","pth":"/a","msg":"session: version conflict"}}`, string(data))
}

func TestPreferredEncoding(t *testing.T) {
	assert.Equal(t, EncodingMsgPack, PreferredEncoding("msgpack,json"))
	assert.Equal(t, EncodingJSON, PreferredEncoding(" JSON "))
	assert.Equal(t, EncodingJSON, PreferredEncoding("cbor"))
	assert.Equal(t, EncodingMsgPack, PreferredEncoding("cbor, msgpack"))
}

func TestErrorCodes(t *testing.T) {
	for _, err := range []error{session.ErrNoNode, session.ErrNodeExists, session.ErrBadVersion, session.ErrNotEmpty, session.ErrSessionExpired} {
		e := &Error{Code: ErrorCode(err), Message: err.Error()}
		assert.ErrorIs(t, e.Err(), err)
	}

	wrapped := &session.ConnectionError{Op: "get", Path: "/a", Err: session.ErrConnectionLost}
	assert.Equal(t, CodeConnectionLost, ErrorCode(wrapped))

	e := &Error{Code: CodeInternal, Message: "boom"}
	assert.ErrorIs(t, e.Err(), session.ErrOperationFailed)
	assert.ErrorContains(t, e.Err(), "boom")
}
