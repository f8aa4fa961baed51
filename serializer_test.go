package durable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderPlaced struct {
	OrderID int    `json:"order_id"`
	SKU     string `json:"sku"`
}

type invoiceIssued struct {
	Number string `json:"number"`
}

func (invoiceIssued) MessageType() string { return "billing.invoice-issued" }

func newTestTypes() *TypeRegistry {
	types := NewTypeRegistry()
	Register[orderPlaced](types, "order.placed")

	return types
}

func TestTypeRegistryNameOf(t *testing.T) {
	types := newTestTypes()

	name, err := types.NameOf(orderPlaced{})
	require.NoError(t, err)
	assert.Equal(t, "order.placed", name)

	name, err = types.NameOf(&orderPlaced{})
	require.NoError(t, err)
	assert.Equal(t, "order.placed", name)

	name, err = types.NameOf(invoiceIssued{})
	require.NoError(t, err)
	assert.Equal(t, "billing.invoice-issued", name)

	name, err = types.NameOf([]byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, BytesMessageType, name)

	_, err = types.NameOf(struct{}{})
	require.ErrorIs(t, err, ErrUnknownMessageType)

	assert.ElementsMatch(t, []string{"order.placed"}, types.Names())
}

func TestJSONSerializerRoundTrip(t *testing.T) {
	ser := JSONSerializer{Types: newTestTypes()}

	data, err := ser.Write(orderPlaced{OrderID: 7, SKU: "A-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"order_id":7,"sku":"A-1"}`, string(data))

	msg, err := ser.Read("order.placed", data)
	require.NoError(t, err)
	assert.Equal(t, orderPlaced{OrderID: 7, SKU: "A-1"}, msg)
}

func TestJSONSerializerFailuresAreSerializationErrors(t *testing.T) {
	ser := JSONSerializer{Types: newTestTypes()}

	_, err := ser.Read("order.unknown", []byte(`{}`))
	require.ErrorIs(t, err, ErrUnsupportedType)
	assert.Equal(t, FailureSerialization, Classify(err))

	_, err = ser.Read("order.placed", []byte(`{not json`))
	var serr *SerializationError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "order.placed", serr.MessageType)

	_, err = ser.Write(make(chan int))
	assert.Equal(t, FailureSerialization, Classify(err))

	_, err = JSONSerializer{}.Read("order.placed", []byte(`{}`))
	require.ErrorIs(t, err, ErrUnsupportedType)
}

func TestBytesSerializer(t *testing.T) {
	ser := BytesSerializer{}
	raw := []byte("payload")

	data, err := ser.Write(raw)
	require.NoError(t, err)
	raw[0] = 'X'
	assert.Equal(t, "payload", string(data))

	_, err = ser.Write("not bytes")
	require.ErrorIs(t, err, ErrUnsupportedType)

	_, err = ser.Read("order.placed", data)
	require.ErrorIs(t, err, ErrUnsupportedType)
}

func TestSerializersEncodeDecode(t *testing.T) {
	types := newTestTypes()
	sers := NewSerializers(JSONSerializer{Types: types}, BytesSerializer{})
	assert.Equal(t, ContentTypeJSON, sers.Default().ContentType())

	env := &Envelope{MessageType: "order.placed", Message: orderPlaced{OrderID: 1}}
	require.NoError(t, sers.Encode(env))
	assert.Equal(t, ContentTypeJSON, env.ContentType)

	env.Message = nil
	require.NoError(t, sers.Decode(env))
	assert.Equal(t, orderPlaced{OrderID: 1}, env.Message)

	raw := &Envelope{MessageType: BytesMessageType, Message: []byte("abc")}
	require.NoError(t, sers.Encode(raw))
	assert.Equal(t, ContentTypeBytes, raw.ContentType)

	encoded := &Envelope{Data: []byte("kept"), Message: orderPlaced{}}
	require.NoError(t, sers.Encode(encoded))
	assert.Equal(t, "kept", string(encoded.Data))

	unknown := &Envelope{MessageType: "order.placed", ContentType: "application/xml", Data: []byte("<a/>")}
	require.ErrorIs(t, sers.Decode(unknown), ErrUnsupportedType)

	fallback, err := sers.For("")
	require.NoError(t, err)
	assert.Equal(t, ContentTypeJSON, fallback.ContentType())
}
