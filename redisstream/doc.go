// Package redisstream is a Redis Streams transport for durable.
//
// Destinations use the "redis" scheme; "redis://orders" names the stream
// "orders". Envelopes are appended with XADD and consumed through a consumer
// group. A delivery is acknowledged with XACK only after the receiver recorded
// its disposition, so a nacked or crashed delivery stays pending until the
// claim loop takes it over with XAUTOCLAIM.
package redisstream
