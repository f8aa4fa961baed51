package durable

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

const (
	// ContentTypeJSON is the content type of JSONSerializer.
	ContentTypeJSON = "application/json"
	// ContentTypeBytes is the content type of BytesSerializer.
	ContentTypeBytes = "application/octet-stream"
	// BytesMessageType is the message type name of raw []byte bodies.
	BytesMessageType = "bytes"
)

// Serializer encodes and decodes message bodies.
type Serializer interface {
	// ContentType returns the content type tag written to envelopes.
	ContentType() string
	// Write encodes msg.
	Write(msg any) ([]byte, error)
	// Read decodes data into the concrete type registered for messageType.
	Read(messageType string, data []byte) (any, error)
}

// MessageTyper lets a message name itself.
type MessageTyper interface {
	MessageType() string
}

// Decoder turns a body into a message value.
type Decoder func(unmarshal func(data []byte, v any) error, data []byte) (any, error)

// TypeRegistry maps message type names to decoders and Go types back to names.
// It is populated at startup.
type TypeRegistry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
	names    map[reflect.Type]string
}

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		decoders: make(map[string]Decoder),
		names:    make(map[reflect.Type]string),
	}
}

// Register binds name to T. Values of T and *T resolve to name.
func Register[T any](r *TypeRegistry, name string) {
	var zero T
	typ := reflect.TypeOf(zero)
	decoder := func(unmarshal func([]byte, any) error, data []byte) (any, error) {
		var v T
		if err := unmarshal(data, &v); err != nil {
			return nil, err
		}

		return v, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[name] = decoder
	if typ != nil {
		r.names[typ] = name
		r.names[reflect.PointerTo(typ)] = name
	}
}

// Decoder returns the decoder registered for name.
func (r *TypeRegistry) Decoder(name string) (Decoder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.decoders[name]

	return d, ok
}

// NameOf resolves the message type name of msg.
func (r *TypeRegistry) NameOf(msg any) (string, error) {
	if typed, ok := msg.(MessageTyper); ok {
		return typed.MessageType(), nil
	}
	if _, ok := msg.([]byte); ok {
		return BytesMessageType, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if name, ok := r.names[reflect.TypeOf(msg)]; ok {
		return name, nil
	}

	return "", fmt.Errorf("%w: %T", ErrUnknownMessageType, msg)
}

// Names returns every registered message type name.
func (r *TypeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.decoders))
	for name := range r.decoders {
		out = append(out, name)
	}

	return out
}

// JSONSerializer encodes messages as JSON and decodes through a TypeRegistry.
type JSONSerializer struct {
	Types *TypeRegistry
}

// ContentType implements Serializer.
func (JSONSerializer) ContentType() string {
	return ContentTypeJSON
}

// Write implements Serializer.
func (s JSONSerializer) Write(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, &SerializationError{MessageType: fmt.Sprintf("%T", msg), ContentType: ContentTypeJSON, Err: err}
	}

	return data, nil
}

// Read implements Serializer.
func (s JSONSerializer) Read(messageType string, data []byte) (any, error) {
	if s.Types == nil {
		return nil, &SerializationError{MessageType: messageType, ContentType: ContentTypeJSON, Err: ErrUnsupportedType}
	}
	decode, ok := s.Types.Decoder(messageType)
	if !ok {
		return nil, &SerializationError{MessageType: messageType, ContentType: ContentTypeJSON, Err: ErrUnsupportedType}
	}
	msg, err := decode(json.Unmarshal, data)
	if err != nil {
		return nil, &SerializationError{MessageType: messageType, ContentType: ContentTypeJSON, Err: err}
	}

	return msg, nil
}

// BytesSerializer passes raw []byte bodies through. It cannot resolve any other type
// from bytes alone.
type BytesSerializer struct{}

// ContentType implements Serializer.
func (BytesSerializer) ContentType() string {
	return ContentTypeBytes
}

// Write implements Serializer.
func (BytesSerializer) Write(msg any) ([]byte, error) {
	data, ok := msg.([]byte)
	if !ok {
		return nil, &SerializationError{MessageType: fmt.Sprintf("%T", msg), ContentType: ContentTypeBytes, Err: ErrUnsupportedType}
	}

	return append([]byte(nil), data...), nil
}

// Read implements Serializer.
func (BytesSerializer) Read(messageType string, data []byte) (any, error) {
	if messageType != BytesMessageType {
		return nil, &SerializationError{MessageType: messageType, ContentType: ContentTypeBytes, Err: ErrUnsupportedType}
	}

	return append([]byte(nil), data...), nil
}

// Serializers selects a serializer by content type.
type Serializers struct {
	byType   map[string]Serializer
	fallback Serializer
}

// NewSerializers builds a lookup table. The first serializer is the default for writes.
func NewSerializers(serializers ...Serializer) *Serializers {
	s := &Serializers{byType: make(map[string]Serializer, len(serializers))}
	for _, ser := range serializers {
		if ser == nil {
			continue
		}
		if s.fallback == nil {
			s.fallback = ser
		}
		s.byType[ser.ContentType()] = ser
	}

	return s
}

// Default returns the serializer used for new envelopes.
func (s *Serializers) Default() Serializer {
	return s.fallback
}

// For returns the serializer of contentType.
func (s *Serializers) For(contentType string) (Serializer, error) {
	if contentType == "" && s.fallback != nil {
		return s.fallback, nil
	}
	ser, ok := s.byType[contentType]
	if !ok {
		return nil, &SerializationError{ContentType: contentType, Err: ErrUnsupportedType}
	}

	return ser, nil
}

// Encode fills env.Data and env.ContentType from env.Message when the body is not encoded yet.
func (s *Serializers) Encode(env *Envelope) error {
	if env.Data != nil || env.Message == nil {
		return nil
	}
	ser := s.fallback
	if _, raw := env.Message.([]byte); raw {
		if bytesSer, ok := s.byType[ContentTypeBytes]; ok {
			ser = bytesSer
		}
	}
	if env.ContentType != "" {
		var err error
		if ser, err = s.For(env.ContentType); err != nil {
			return err
		}
	}
	if ser == nil {
		return &SerializationError{MessageType: env.MessageType, Err: ErrUnsupportedType}
	}
	data, err := ser.Write(env.Message)
	if err != nil {
		return err
	}
	env.Data = data
	env.ContentType = ser.ContentType()

	return nil
}

// Decode fills env.Message from env.Data when it is not populated yet.
func (s *Serializers) Decode(env *Envelope) error {
	if env.Message != nil {
		return nil
	}
	ser, err := s.For(env.ContentType)
	if err != nil {
		return err
	}
	msg, err := ser.Read(env.MessageType, env.Data)
	if err != nil {
		return err
	}
	env.Message = msg

	return nil
}
