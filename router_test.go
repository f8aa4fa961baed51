package durable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterRouteFor(t *testing.T) {
	router, err := NewRouter([]Route{
		{MessageType: "order.placed", Destination: "redis://orders"},
		{MessageType: "order.placed", Destination: "local://audit"},
		{MessageType: AnyMessageType, Destination: "local://audit"},
	}, PrefixConvention("order.", "redis://orders"), QueuePerType("local"))
	require.NoError(t, err)

	assert.Equal(t,
		[]string{"redis://orders", "local://audit", "local://order.placed"},
		router.RouteFor("order.placed"),
	)
	assert.Equal(t,
		[]string{"local://audit", "local://billing.paid"},
		router.RouteFor("billing.paid"),
	)
}

func TestRouterRejectsInvalidRoutes(t *testing.T) {
	_, err := NewRouter([]Route{{MessageType: "", Destination: "local://a"}})
	require.ErrorIs(t, err, ErrMessageTypeRequired)

	_, err = NewRouter([]Route{{MessageType: "a", Destination: "orders"}})
	require.ErrorIs(t, err, ErrInvalidDestination)
}

func TestRouterValidateAndReload(t *testing.T) {
	router, err := NewRouter(nil)
	require.NoError(t, err)

	err = router.Validate([]string{"b.type", "a.type"})
	require.ErrorIs(t, err, ErrNoRoutes)
	assert.Contains(t, err.Error(), "a.type, b.type")

	require.NoError(t, router.Reload([]Route{{MessageType: "a.type", Destination: "local://a"}}))
	require.NoError(t, router.Validate([]string{"a.type"}))

	require.Error(t, router.Reload([]Route{{MessageType: "a.type", Destination: "::"}}))
	assert.Equal(t, []string{"local://a"}, router.RouteFor("a.type"), "failed reload keeps the table")
}

func TestEndpointsDefaults(t *testing.T) {
	endpoints := NewEndpoints(EndpointOptions{Durable: true})
	endpoints.Set("local://fast", EndpointOptions{Workers: 8})

	assert.True(t, endpoints.Options("redis://orders").Durable)
	assert.Equal(t, EndpointOptions{Workers: 8}, endpoints.Options("local://fast"))
}

func TestParseDestination(t *testing.T) {
	tests := []struct {
		in, scheme, name string
		wantErr          bool
	}{
		{in: "local://orders", scheme: "local", name: "orders"},
		{in: "REDIS://events/orders", scheme: "redis", name: "events/orders"},
		{in: "local:orders", scheme: "local", name: "orders"},
		{in: "orders", wantErr: true},
		{in: "local://", wantErr: true},
	}
	for _, tt := range tests {
		scheme, name, err := ParseDestination(tt.in)
		if tt.wantErr {
			require.ErrorIs(t, err, ErrInvalidDestination, tt.in)

			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.scheme, scheme, tt.in)
		assert.Equal(t, tt.name, name, tt.in)
	}

	assert.True(t, IsLocal("local://orders"))
	assert.False(t, IsLocal("redis://orders"))
}

func TestTransportsFor(t *testing.T) {
	tr := &fakeTransport{scheme: "Test"}
	transports := NewTransports(tr, nil)

	got, err := transports.For("test://a")
	require.NoError(t, err)
	assert.Same(t, tr, got)

	_, err = transports.For("kafka://a")
	require.ErrorIs(t, err, ErrUnknownTransport)
	assert.Len(t, transports.All(), 1)
}
