package events

import (
	"encoding/json"
	"testing"

	"github.com/cartwheel/order-system/shared/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		name    string
		topic   Topic
		pattern Topic
		matches bool
	}{
		{name: "exact match", topic: "order.submitted", pattern: "order.submitted", matches: true},
		{name: "exact mismatch", topic: "order.submitted", pattern: "order.shipped", matches: false},
		{name: "single wildcard segment", topic: "order.stock.confirmed", pattern: "order.*.confirmed", matches: true},
		{name: "wildcard segment mismatch", topic: "order.stock.rejected", pattern: "order.*.confirmed", matches: false},
		{name: "hash matches everything", topic: "order.payment.failed", pattern: "#", matches: true},
		{name: "prefix pattern", topic: "order.submitted", pattern: "order.#", matches: true},
		{name: "prefix pattern mismatch", topic: "payment.created", pattern: "order.#", matches: false},
		{name: "suffix pattern", topic: "order.stock.confirmed", pattern: "#.confirmed", matches: true},
		{name: "contains pattern", topic: "order.stock.confirmed", pattern: "#stock#", matches: true},
		{name: "segment count mismatch", topic: "order.stock.confirmed", pattern: "order.stock", matches: false},
		{name: "star is single-segment only", topic: "order.stock.confirmed", pattern: "order.*", matches: false},
		{name: "prefix pattern spans segments", topic: "order.stock.confirmed", pattern: "order.#", matches: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.matches, tt.topic.Matches(tt.pattern))
		})
	}
}

func TestNewTopicRejectsEmpty(t *testing.T) {
	_, err := NewTopic("")
	assert.ErrorIs(t, err, ErrInvalidTopic)
}

func TestNewEventEnvelope(t *testing.T) {
	aggregateID := models.GenerateUUID()
	event := NewEvent(aggregateID, OrderSubmittedEvent, map[string]string{"key": "value"}).
		WithCorrelationID(aggregateID).
		WithMetadata("source", "test")

	assert.False(t, event.ID.IsEmpty())
	assert.Equal(t, aggregateID, event.AggregateID)
	assert.Equal(t, aggregateID, event.CorrelationID)
	assert.Equal(t, Topic(OrderSubmittedEvent), event.Topic)
	assert.Equal(t, "1.0", event.Version)
	assert.False(t, event.Timestamp.IsZero())

	source, ok := event.Metadata.Get("source")
	assert.True(t, ok)
	assert.Equal(t, "test", source)
}

func TestEventPayloadRoundTrip(t *testing.T) {
	type payload struct {
		OrderID models.ID `json:"order_id"`
		Reason  string    `json:"reason"`
	}

	orderID := models.GenerateUUID()
	event := NewEvent(orderID, OrderStockRejectedEvent, payload{OrderID: orderID, Reason: "out of stock"})

	// Direct struct payload
	var direct payload
	require.NoError(t, event.UnmarshalPayload(&direct))
	assert.Equal(t, "out of stock", direct.Reason)

	// After a transport round trip the payload arrives as raw JSON
	body, err := event.ToJSON()
	require.NoError(t, err)

	decoded, err := FromJSON(body)
	require.NoError(t, err)
	assert.Equal(t, event.ID, decoded.ID)
	assert.Equal(t, event.CorrelationID, decoded.CorrelationID)

	raw, err := decoded.MarshalPayload()
	require.NoError(t, err)

	decoded.Data = json.RawMessage(raw)
	var wired payload
	require.NoError(t, decoded.UnmarshalPayload(&wired))
	assert.Equal(t, orderID, wired.OrderID)
	assert.Equal(t, "out of stock", wired.Reason)
}

func TestUnmarshalPayloadRequiresPointer(t *testing.T) {
	event := NewEvent(models.GenerateUUID(), OrderSubmittedEvent, map[string]string{})

	var receiver map[string]string
	err := event.UnmarshalPayload(receiver)
	assert.ErrorIs(t, err, ErrInvalidReceiver)
}

func TestDeliveryError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewDeliveryError("sns", cause)

	assert.True(t, IsDeliveryError(err))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "sns delivery failed")

	wrapped := errors.Wrap(err, "publish")
	assert.True(t, IsDeliveryError(wrapped))

	assert.False(t, IsDeliveryError(errors.New("other")))
}

func TestWithMetadataAllocatesNilMap(t *testing.T) {
	event := &Event{} // decoded envelopes can arrive without metadata
	event.WithMetadata("disposition", "discarded")

	disposition, ok := event.Metadata.Get("disposition")
	assert.True(t, ok)
	assert.Equal(t, "discarded", disposition)
}

func TestEventClone(t *testing.T) {
	event := NewEvent(models.GenerateUUID(), OrderShippedEvent, nil).WithMetadata("a", "1")
	clone := event.Clone()

	clone.Metadata.Set("a", "2")

	original, _ := event.Metadata.Get("a")
	assert.Equal(t, "1", original)
}
