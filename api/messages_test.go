package api

import (
	"encoding/json"
	"testing"

	"github.com/evita-erp/offline-sync/queue"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
)

func TestCodecRegistered(t *testing.T) {
	codec := encoding.GetCodec(CodecName)
	require.NotNil(t, codec)

	data, err := codec.Marshal(&SyncRequest{Auth: Auth{RequestTime: 12, Signature: "sig"}})
	require.NoError(t, err)
	require.JSONEq(t, `{"request_time":12,"signature":"sig"}`, string(data))
}

func TestSigningPayloadSurvivesTransport(t *testing.T) {
	sent := &EnqueueRequest{
		Auth:    Auth{RequestTime: 1700000000},
		Type:    queue.KindUpdate,
		Table:   "ordenes",
		Payload: queue.Record{"total": 99, "estado": "lista"},
		Match:   queue.Record{"id": 4},
	}
	data, err := json.Marshal(sent)
	require.NoError(t, err)

	var received EnqueueRequest
	require.NoError(t, json.Unmarshal(data, &received))
	require.Equal(t, sent.SigningPayload(), received.SigningPayload())
	require.Equal(t, `update-ordenes-{"estado":"lista","total":99}-{"id":4}-1700000000`, received.SigningPayload())

	received.Table = "clientes"
	require.NotEqual(t, sent.SigningPayload(), received.SigningPayload())
}

func TestSigningPayloadsDiffer(t *testing.T) {
	payloads := map[string]bool{}
	for _, payload := range []string{
		(&GetQueueRequest{}).SigningPayload(),
		(&GetQueueRequest{DeadLetters: true}).SigningPayload(),
		(&ClearQueueRequest{}).SigningPayload(),
		(&SyncRequest{}).SigningPayload(),
		(&RequeueDeadLettersRequest{}).SigningPayload(),
		(&WatchQueueRequest{}).SigningPayload(),
	} {
		require.False(t, payloads[payload], "duplicate signing payload %q", payload)
		payloads[payload] = true
	}
}
