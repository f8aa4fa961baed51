package durable

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFactory(t *testing.T, types *TypeRegistry, routes ...Route) *envelopeFactory {
	t.Helper()
	router, err := NewRouter(routes)
	require.NoError(t, err)

	return &envelopeFactory{
		router:      router,
		endpoints:   NewEndpoints(EndpointOptions{}),
		types:       types,
		serializers: NewSerializers(JSONSerializer{Types: types}),
		ids:         UUIDv7Generator{},
		clock:       fixedClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)},
		source:      "orders-service",
	}
}

func TestChainOrder(t *testing.T) {
	var calls []string
	mw := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, c *Context) error {
				calls = append(calls, name)

				return next(ctx, c)
			}
		}
	}

	h := Chain(func(context.Context, *Context) error {
		calls = append(calls, "handler")

		return nil
	}, mw("outer"), mw("inner"))
	require.NoError(t, h(context.Background(), &Context{}))
	assert.Equal(t, []string{"outer", "inner", "handler"}, calls)
}

func TestRecoveryConvertsPanics(t *testing.T) {
	h := Chain(func(context.Context, *Context) error {
		panic("boom")
	}, Recovery())

	err := h(context.Background(), &Context{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestTimeoutReportsDeadline(t *testing.T) {
	h := Chain(func(ctx context.Context, _ *Context) error {
		<-ctx.Done()

		return nil
	}, Timeout(10*time.Millisecond))

	require.ErrorIs(t, h(context.Background(), &Context{}), context.DeadlineExceeded)

	unbounded := Chain(func(ctx context.Context, _ *Context) error {
		_, ok := ctx.Deadline()
		assert.False(t, ok)

		return nil
	}, Timeout(0))
	require.NoError(t, unbounded(context.Background(), &Context{}))
}

func TestHandlersDecodeAndInvoke(t *testing.T) {
	types := NewTypeRegistry()
	h := NewHandlers(types)

	var got orderPlaced
	Handle(h, "order.placed", func(_ context.Context, msg orderPlaced, _ *Context) error {
		got = msg

		return nil
	})
	h.bind(newTestFactory(t, types), NewSerializers(JSONSerializer{Types: types}))

	env := newTestEnvelope(t, "local://orders")
	env.Data = []byte(`{"order_id":7,"sku":"A-1"}`)

	cascaded, err := h.Invoke(context.Background(), env)
	require.NoError(t, err)
	assert.Empty(t, cascaded)
	assert.Equal(t, orderPlaced{OrderID: 7, SKU: "A-1"}, got)
	assert.Equal(t, []string{"order.placed"}, h.MessageTypes())
}

func TestHandlersAcceptPointerMessages(t *testing.T) {
	h := NewHandlers(nil)
	called := false
	Handle(h, "order.placed", func(_ context.Context, msg orderPlaced, _ *Context) error {
		called = true
		assert.Equal(t, 3, msg.OrderID)

		return nil
	})

	env := newTestEnvelope(t, "local://orders")
	env.Message = &orderPlaced{OrderID: 3}
	_, err := h.Invoke(context.Background(), env)
	require.NoError(t, err)
	assert.True(t, called)
}

func TestHandlersRejectUnexpectedMessage(t *testing.T) {
	h := NewHandlers(nil)
	Handle(h, "order.placed", func(context.Context, orderPlaced, *Context) error {
		t.Fatal("handler must not run")

		return nil
	})

	env := newTestEnvelope(t, "local://orders")
	env.Message = invoiceIssued{Number: "INV-1"}
	_, err := h.Invoke(context.Background(), env)

	var serr *SerializationError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, FailureSerialization, Classify(err))
}

func TestHandlersMissingHandler(t *testing.T) {
	h := NewHandlers(nil)

	_, err := h.Invoke(context.Background(), newTestEnvelope(t, "local://orders"))
	var herr *HandlerError
	require.ErrorAs(t, err, &herr)
	require.ErrorIs(t, err, ErrNoHandler)
	assert.Equal(t, "order.placed", herr.MessageType)
}

func TestHandlersWrapApplicationErrors(t *testing.T) {
	errStockOut := errors.New("out of stock")
	h := NewHandlers(nil)
	h.HandleFunc("order.placed", func(context.Context, *Context) error {
		return errStockOut
	})

	_, err := h.Invoke(context.Background(), newTestEnvelope(t, "local://orders"))
	var herr *HandlerError
	require.ErrorAs(t, err, &herr)
	require.ErrorIs(t, err, errStockOut)
}

func TestHandlersRecoverPanics(t *testing.T) {
	h := NewHandlers(nil)
	h.HandleFunc("order.placed", func(context.Context, *Context) error {
		panic("nil map")
	})

	_, err := h.Invoke(context.Background(), newTestEnvelope(t, "local://orders"))
	var herr *HandlerError
	require.ErrorAs(t, err, &herr)
	assert.Contains(t, err.Error(), "nil map")
}

func TestContextCascadesInheritCorrelation(t *testing.T) {
	types := NewTypeRegistry()
	Register[invoiceIssued](types, "billing.invoice-issued")
	h := NewHandlers(types)
	Handle(h, "order.placed", func(_ context.Context, msg orderPlaced, c *Context) error {
		if err := c.Publish(invoiceIssued{Number: "INV-7"}); err != nil {
			return err
		}

		return c.Respond(invoiceIssued{Number: "INV-7"})
	})
	factory := newTestFactory(t, types, Route{MessageType: "billing.invoice-issued", Destination: "local://billing"})
	h.bind(factory, factory.serializers)

	env := newTestEnvelope(t, "local://orders")
	env.Data = []byte(`{"order_id":7}`)
	env.CorrelationID = "corr-1"
	env.ReplyURI = "local://replies"

	cascaded, err := h.Invoke(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, cascaded, 2)
	assert.Equal(t, "local://billing", cascaded[0].Destination)
	assert.Equal(t, "local://replies", cascaded[1].Destination)
	for _, out := range cascaded {
		assert.Equal(t, "corr-1", out.CorrelationID)
		assert.Equal(t, env.ID.String(), out.CausationID)
		assert.Equal(t, "orders-service", out.Source)
		assert.Equal(t, "billing.invoice-issued", out.MessageType)
	}
}

func TestContextRespondWithoutReplyURI(t *testing.T) {
	types := NewTypeRegistry()
	h := NewHandlers(types)
	Handle(h, "order.placed", func(_ context.Context, _ orderPlaced, c *Context) error {
		return c.Respond(orderPlaced{})
	})
	factory := newTestFactory(t, types)
	h.bind(factory, factory.serializers)

	_, err := h.Invoke(context.Background(), newTestEnvelope(t, "local://orders"))
	require.ErrorIs(t, err, ErrDestinationRequired)
}
