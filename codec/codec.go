// Package codec turns raw device payloads into canonical messages.
//
// Decoding happens in two steps. Pre-decoding undoes a transport-level
// encoding chosen per product (hex, base64, CBOR) and yields bytes the
// product's Decoder understands. A Decoder then maps those bytes to zero or
// more messages. A decoder that recognises nothing returns no messages and
// no error; the pipeline then falls back to an opaque message.
package codec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360/protogate/errors"
	"github.com/c360/protogate/message"
)

// ErrNoDecoder is returned when no decoder is bound to a product.
var ErrNoDecoder = errors.New("no decoder for product")

// Context carries what is known about a frame when it is decoded.
type Context struct {
	TenantID   string
	ProductKey string
	DeviceID   string
	Address    string
	Category   string
	ReceivedAt time.Time
}

// Decoder maps a payload to canonical messages.
type Decoder interface {
	Decode(ctx context.Context, dc Context, payload []byte) ([]message.Message, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(ctx context.Context, dc Context, payload []byte) ([]message.Message, error)

// Decode implements Decoder
func (f DecoderFunc) Decode(ctx context.Context, dc Context, payload []byte) ([]message.Message, error) {
	return f(ctx, dc, payload)
}

// Service is what the pipeline's decode stage depends on.
type Service interface {
	PreDecode(productKey string, payload []byte) ([]byte, error)
	Decode(ctx context.Context, dc Context, payload []byte) ([]message.Message, error)
}

type binding struct {
	decoder   Decoder
	preDecode string
}

// Registry binds product keys to decoders and pre-decoding. Products with
// no binding use the fallback decoder, if any.
type Registry struct {
	mu       sync.RWMutex
	products map[string]binding
	fallback Decoder
}

// NewRegistry creates a registry whose fallback is fallback (may be nil).
func NewRegistry(fallback Decoder) *Registry {
	return &Registry{products: make(map[string]binding), fallback: fallback}
}

// Bind sets the decoder and pre-decoding for a product. A nil decoder keeps
// the fallback.
func (r *Registry) Bind(productKey string, d Decoder, preDecode string) error {
	if _, err := PreDecode(preDecode, nil); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.products[productKey] = binding{decoder: d, preDecode: preDecode}
	return nil
}

// SetPreDecode changes only the pre-decoding of a product.
func (r *Registry) SetPreDecode(productKey, preDecode string) error {
	if _, err := PreDecode(preDecode, nil); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.products[productKey]
	b.preDecode = preDecode
	r.products[productKey] = b
	return nil
}

// Unbind removes a product binding.
func (r *Registry) Unbind(productKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.products, productKey)
}

// PreDecode implements Service
func (r *Registry) PreDecode(productKey string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	kind := r.products[productKey].preDecode
	r.mu.RUnlock()
	return PreDecode(kind, payload)
}

// Decode implements Service
func (r *Registry) Decode(ctx context.Context, dc Context, payload []byte) ([]message.Message, error) {
	r.mu.RLock()
	d := r.products[dc.ProductKey].decoder
	r.mu.RUnlock()
	if d == nil {
		d = r.fallback
	}
	if d == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoDecoder, dc.ProductKey)
	}
	msgs, err := d.Decode(ctx, dc, payload)
	if err != nil {
		return nil, errors.WrapInvalid(err, "codec", "Decode", fmt.Sprintf("decode payload for %s", dc.ProductKey))
	}
	return msgs, nil
}
