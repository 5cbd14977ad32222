package kafka

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/example/farmlink-orders/internal/infrastructure/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func header(t *testing.T, headers map[string]string, key string) string {
	t.Helper()
	v, ok := headers[key]
	require.True(t, ok, "missing header %s", key)
	return v
}

func TestNewMessage_LedgerEventCarriesHeaders(t *testing.T) {
	ev := store.Event{
		ID:            "ev-1",
		AggregateID:   "order-1",
		AggregateType: "Order",
		EventType:     "OrderPaid",
		Data:          json.RawMessage(`{"new_state":{}}`),
		Timestamp:     time.Date(2026, 4, 12, 6, 0, 0, 0, time.UTC),
		Version:       3,
	}

	msg, err := newMessage("order-1", ev)
	require.NoError(t, err)

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, []byte("order-1"), msg.Key)
	assert.Equal(t, "Order", header(t, headers, HeaderEntityType))
	assert.Equal(t, "OrderPaid", header(t, headers, HeaderKind))

	var decoded store.Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "ev-1", decoded.ID)
	assert.Equal(t, 3, decoded.Version)
}

func TestNewMessage_PointerEvent(t *testing.T) {
	msg, err := newMessage("p-1", &store.Event{AggregateType: "Product", EventType: "ProductRestocked"})
	require.NoError(t, err)
	assert.Len(t, msg.Headers, 2)
}

func TestNewMessage_PlainPayloadHasNoHeaders(t *testing.T) {
	msg, err := newMessage("k", map[string]string{"type": "PlaceOrder"})
	require.NoError(t, err)
	assert.Empty(t, msg.Headers)
	assert.JSONEq(t, `{"type":"PlaceOrder"}`, string(msg.Value))
}

func TestNewMessage_UnencodablePayload(t *testing.T) {
	_, err := newMessage("k", make(chan int))
	assert.Error(t, err)
}
