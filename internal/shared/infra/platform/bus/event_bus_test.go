package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davicafu/crmevents/internal/shared/domain"
	"github.com/davicafu/crmevents/internal/shared/domain/events"
)

func TestNewMessage_TopicKeyAndHeaders(t *testing.T) {
	evt := domain.OutboxEvent{
		EventID:       "evt_1",
		EventType:     events.EmailOpened,
		AggregateType: events.AggregateContact,
		AggregateID:   "contact_7",
		CustomerID:    "cus_A",
		Payload:       json.RawMessage(`{"opens":1}`),
		CreatedAt:     time.Now().UTC(),
	}

	msg, err := NewMessage(evt, time.Now())
	require.NoError(t, err)

	assert.Equal(t, "email.opened", msg.Topic)
	assert.Equal(t, "contact_7", msg.Key)
	assert.Equal(t, map[string]string{
		HeaderEventID:       "evt_1",
		HeaderEventType:     "email.opened",
		HeaderCustomerID:    "cus_A",
		HeaderAggregateType: "contact",
		HeaderAggregateID:   "contact_7",
	}, msg.Headers)

	decoded, err := events.Decode(msg.Value)
	require.NoError(t, err)
	assert.Equal(t, "cus_A", decoded.Metadata.CustomerID)
}
