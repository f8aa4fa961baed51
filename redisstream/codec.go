package redisstream

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/velmie/durable"
)

// Stream entry fields.
const (
	fieldID            = "id"
	fieldType          = "type"
	fieldContentType   = "content-type"
	fieldBody          = "body"
	fieldDestination   = "destination"
	fieldReplyURI      = "reply-uri"
	fieldCorrelationID = "correlation-id"
	fieldCausationID   = "causation-id"
	fieldSource        = "source"
	fieldSentAt        = "sent-at"
	fieldScheduled     = "scheduled"
	fieldDeliverBy     = "deliver-by"
	fieldAttempts      = "attempts"
	fieldHeaderPrefix  = "h:"
)

// encodeValues flattens env into stream entry fields. Zero times are omitted.
func encodeValues(env *durable.Envelope) map[string]any {
	vals := make(map[string]any, 13+len(env.Headers))
	vals[fieldID] = env.ID.String()
	vals[fieldType] = env.MessageType
	vals[fieldContentType] = env.ContentType
	vals[fieldBody] = env.Data
	vals[fieldDestination] = env.Destination
	vals[fieldAttempts] = env.Attempts

	optional := map[string]string{
		fieldReplyURI:      env.ReplyURI,
		fieldCorrelationID: env.CorrelationID,
		fieldCausationID:   env.CausationID,
		fieldSource:        env.Source,
	}
	for k, v := range optional {
		if v != "" {
			vals[k] = v
		}
	}
	for k, t := range map[string]time.Time{
		fieldSentAt:    env.SentAt,
		fieldScheduled: env.ScheduledTime,
		fieldDeliverBy: env.DeliverBy,
	} {
		if !t.IsZero() {
			vals[k] = t.UnixNano()
		}
	}
	for k, v := range env.Headers {
		vals[fieldHeaderPrefix+k] = v
	}

	return vals
}

// decodeEnvelope rebuilds an envelope from stream entry fields.
func decodeEnvelope(vals map[string]any) (*durable.Envelope, error) {
	id, err := uuid.Parse(asString(vals[fieldID]))
	if err != nil {
		return nil, fmt.Errorf("durable redis: invalid envelope id %q: %w", asString(vals[fieldID]), err)
	}

	env := &durable.Envelope{
		ID:            id,
		MessageType:   asString(vals[fieldType]),
		ContentType:   asString(vals[fieldContentType]),
		Destination:   asString(vals[fieldDestination]),
		ReplyURI:      asString(vals[fieldReplyURI]),
		CorrelationID: asString(vals[fieldCorrelationID]),
		CausationID:   asString(vals[fieldCausationID]),
		Source:        asString(vals[fieldSource]),
		SentAt:        asTime(vals[fieldSentAt]),
		ScheduledTime: asTime(vals[fieldScheduled]),
		DeliverBy:     asTime(vals[fieldDeliverBy]),
	}
	if v, ok := vals[fieldBody]; ok {
		env.Data = []byte(asString(v))
	}
	if n, ok := toInt64(vals[fieldAttempts]); ok {
		env.Attempts = int(n)
	}
	for k, v := range vals {
		if strings.HasPrefix(k, fieldHeaderPrefix) {
			env.SetHeader(strings.TrimPrefix(k, fieldHeaderPrefix), asString(v))
		}
	}

	return env, nil
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func asTime(v any) time.Time {
	ns, ok := toInt64(v)
	if !ok || ns <= 0 {
		return time.Time{}
	}

	return time.Unix(0, ns).UTC()
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		i, err := strconv.ParseInt(n, 10, 64)

		return i, err == nil
	case []byte:
		return toInt64(string(n))
	}

	return 0, false
}
