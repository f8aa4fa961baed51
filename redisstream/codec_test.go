package redisstream

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velmie/durable"
)

// asRedis mimics a stream read, where every field value comes back as a string.
func asRedis(vals map[string]any) map[string]any {
	out := make(map[string]any, len(vals))
	for k, v := range vals {
		if b, ok := v.([]byte); ok {
			out[k] = string(b)

			continue
		}
		out[k] = fmt.Sprint(v)
	}

	return out
}

func TestEncodeDecodeEnvelope(t *testing.T) {
	now := time.Now().UTC()
	env := &durable.Envelope{
		ID:            uuid.New(),
		MessageType:   "order.placed",
		ContentType:   durable.ContentTypeJSON,
		Data:          []byte(`{"id":7}`),
		Destination:   "redis://orders",
		CorrelationID: "corr-1",
		CausationID:   "cause-1",
		Source:        "billing",
		SentAt:        now,
		DeliverBy:     now.Add(time.Minute),
		Attempts:      2,
		Headers:       map[string]string{"tenant": "a"},
	}

	got, err := decodeEnvelope(asRedis(encodeValues(env)))
	require.NoError(t, err)

	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, env.MessageType, got.MessageType)
	assert.Equal(t, env.ContentType, got.ContentType)
	assert.Equal(t, env.Data, got.Data)
	assert.Equal(t, env.Destination, got.Destination)
	assert.Equal(t, env.CorrelationID, got.CorrelationID)
	assert.Equal(t, env.CausationID, got.CausationID)
	assert.Equal(t, env.Source, got.Source)
	assert.True(t, env.SentAt.Equal(got.SentAt))
	assert.True(t, env.DeliverBy.Equal(got.DeliverBy))
	assert.True(t, got.ScheduledTime.IsZero())
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "a", got.Header("tenant"))
	assert.Empty(t, got.ReplyURI)
}

func TestEncodeOmitsEmptyFields(t *testing.T) {
	vals := encodeValues(&durable.Envelope{ID: uuid.New(), MessageType: "ping", Destination: "redis://x"})

	assert.NotContains(t, vals, fieldReplyURI)
	assert.NotContains(t, vals, fieldSentAt)
	assert.NotContains(t, vals, fieldScheduled)
	assert.Contains(t, vals, fieldAttempts)
}

func TestDecodeRejectsInvalidID(t *testing.T) {
	_, err := decodeEnvelope(map[string]any{fieldID: "nope", fieldType: "ping"})
	require.Error(t, err)
}
