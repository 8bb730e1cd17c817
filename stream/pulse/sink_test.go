package pulse

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	"go.matrixcore.dev/core/stream"
	"go.matrixcore.dev/core/timeline"
)

type fakeClient struct {
	streams map[string]*fakeStream
}

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (Stream, error) {
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(context.Context) error { return nil }

type fakeStream struct {
	added []addedEvent
}

type addedEvent struct {
	name    string
	payload []byte
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.added = append(s.added, addedEvent{name: event, payload: payload})
	return "1-0", nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (ConsumerGroup, error) {
	return nil, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func TestSinkRequiresClient(t *testing.T) {
	_, err := NewSink(SinkOptions{})
	require.Error(t, err)
}

func TestSinkPublishesTimelineDiffToRoomStream(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(SinkOptions{Client: client})
	require.NoError(t, err)

	diff := stream.DiffOf("!room:example.org", timeline.Insert{
		Index: 3,
		Item:  timeline.Item{InternalID: 42},
	})
	require.NoError(t, sink.Send(context.Background(), diff))

	str := client.streams["room/!room:example.org"]
	require.NotNil(t, str)
	require.Len(t, str.added, 1)
	require.Equal(t, "timeline_diff", str.added[0].name)

	var env struct {
		Type    string `json:"type"`
		RoomID  string `json:"room_id"`
		Payload struct {
			Op         string `json:"op"`
			Index      int    `json:"index"`
			InternalID uint64 `json:"internal_id"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(str.added[0].payload, &env))
	require.Equal(t, "timeline_diff", env.Type)
	require.Equal(t, "!room:example.org", env.RoomID)
	require.Equal(t, "insert", env.Payload.Op)
	require.Equal(t, 3, env.Payload.Index)
	require.Equal(t, uint64(42), env.Payload.InternalID)
}

func TestSinkRoutesRoomlessEventsToCryptoStream(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(SinkOptions{Client: client})
	require.NoError(t, err)

	req := stream.OutgoingRequest{TxnID: "txn-1", Kind: "keys_claim"}
	require.NoError(t, sink.Send(context.Background(), req))

	str := client.streams["crypto"]
	require.NotNil(t, str)
	require.Len(t, str.added, 1)
	require.Equal(t, "outgoing_request", str.added[0].name)
}

func TestDecodeEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{Type: "pagination_status", RoomID: "!r:x", Payload: stream.PaginationStatus{Paginating: true}}
	b, err := defaultMarshal(env)
	require.NoError(t, err)

	ev, err := decodeEnvelope(b)
	require.NoError(t, err)
	require.Equal(t, stream.EventPaginationStatus, ev.Type())
	require.Equal(t, "!r:x", ev.RoomID())

	raw, ok := ev.Payload().(json.RawMessage)
	require.True(t, ok)
	var status stream.PaginationStatus
	require.NoError(t, json.Unmarshal(raw, &status))
	require.True(t, status.Paginating)
}

func TestDecodeEnvelopeRejectsMissingType(t *testing.T) {
	_, err := decodeEnvelope([]byte(`{"room_id":"!r:x"}`))
	require.Error(t, err)
}
