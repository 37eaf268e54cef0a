package stages

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"unicode/utf8"

	"github.com/c360/protogate/codec"
	"github.com/c360/protogate/errors"
	"github.com/c360/protogate/message"
	"github.com/c360/protogate/pipeline"
)

// AttrOpaque is set when the frame fell back to an opaque message.
const AttrOpaque = "opaque"

// Decode turns the payload into canonical messages. When the codec has no
// decoder, yields nothing or fails, the frame becomes one opaque property
// message so no traffic is dropped silently.
type Decode struct {
	pipeline.Base
	codec  codec.Service
	logger *slog.Logger
}

// NewDecode creates the decode stage. svc may be nil.
func NewDecode(svc codec.Service, logger *slog.Logger) *Decode {
	return &Decode{codec: svc, logger: logger}
}

// Name implements pipeline.Stage
func (s *Decode) Name() string { return "decode" }

// PreCheck implements pipeline.Stage
func (s *Decode) PreCheck(pc *pipeline.Context) bool { return pc.Identified() }

// Process implements pipeline.Stage
func (s *Decode) Process(ctx context.Context, pc *pipeline.Context) (pipeline.Result, error) {
	msgs := s.decode(ctx, pc)
	if len(msgs) == 0 {
		pc.Set(AttrOpaque, true)
		msgs = []message.Message{opaque(pc.Payload)}
	}

	for i := range msgs {
		m := &msgs[i]
		if m.DeviceID == "" {
			m.DeviceID = pc.DeviceID
		}
		if m.ProductKey == "" {
			m.ProductKey = pc.ProductKey
		}
		m.TenantID = pc.TenantID
		if m.Timestamp.IsZero() {
			m.Timestamp = pc.Frame.ReceivedAt
		}
	}
	pc.Messages = append(pc.Messages, msgs...)
	return pipeline.Continue, nil
}

func (s *Decode) decode(ctx context.Context, pc *pipeline.Context) []message.Message {
	if s.codec == nil {
		return nil
	}

	payload, err := s.codec.PreDecode(pc.ProductKey, pc.Payload)
	if err != nil {
		s.logger.Warn("Pre-decode failed, using raw payload",
			"id", pc.ID, "product", pc.ProductKey, "error", err)
		return nil
	}
	pc.Payload = payload

	msgs, err := s.codec.Decode(ctx, codec.Context{
		TenantID:   pc.TenantID,
		ProductKey: pc.ProductKey,
		DeviceID:   pc.DeviceID,
		Address:    pc.Frame.Address,
		Category:   pc.Category,
		ReceivedAt: pc.Frame.ReceivedAt,
	}, payload)
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, codec.ErrNoDecoder) {
			level = slog.LevelDebug
		}
		s.logger.Log(ctx, level, "Decode miss, falling back to opaque message",
			"id", pc.ID, "product", pc.ProductKey, "error", err)
		return nil
	}
	return msgs
}

// opaque wraps a payload the codec could not interpret. A JSON object
// becomes the property bag; anything else is kept under "raw".
func opaque(payload []byte) message.Message {
	m := message.Message{Kind: message.KindProperty, Raw: payload}

	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err == nil && obj != nil {
		m.Properties = obj
		return m
	}
	if utf8.Valid(payload) {
		m.Properties = map[string]any{"raw": string(payload)}
	} else {
		m.Properties = map[string]any{"raw": hex.EncodeToString(payload)}
	}
	return m
}
