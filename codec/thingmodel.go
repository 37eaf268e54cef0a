package codec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/protogate/errors"
	"github.com/c360/protogate/message"
)

// report is the thing-model envelope a device sends. A payload may be one
// report or an array of them.
type report struct {
	MessageType string         `json:"messageType" cbor:"messageType"`
	DeviceID    string         `json:"deviceId,omitempty" cbor:"deviceId,omitempty"`
	Event       string         `json:"event,omitempty" cbor:"event,omitempty"`
	Properties  map[string]any `json:"properties,omitempty" cbor:"properties,omitempty"`
	Data        map[string]any `json:"data,omitempty" cbor:"data,omitempty"`
	Time        int64          `json:"time,omitempty" cbor:"time,omitempty"`
}

func (r report) recognised() bool {
	return r.MessageType != "" || r.Properties != nil
}

func (r report) toMessage(dc Context, raw []byte) (message.Message, error) {
	kind := message.KindProperty
	if r.MessageType != "" {
		k, err := message.ParseKind(r.MessageType)
		if err != nil {
			return message.Message{}, err
		}
		kind = k
	}

	props := r.Properties
	if props == nil {
		props = r.Data
	}
	ts := dc.ReceivedAt
	if r.Time > 0 {
		ts = time.UnixMilli(r.Time).UTC()
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	deviceID := dc.DeviceID
	if r.DeviceID != "" {
		deviceID = r.DeviceID
	}

	return message.Message{
		DeviceID:   deviceID,
		ProductKey: dc.ProductKey,
		TenantID:   dc.TenantID,
		Kind:       kind,
		Event:      r.Event,
		Properties: props,
		Raw:        raw,
		Timestamp:  ts,
	}, nil
}

func reportsToMessages(reports []report, dc Context, raw []byte) ([]message.Message, error) {
	out := make([]message.Message, 0, len(reports))
	for _, r := range reports {
		if !r.recognised() {
			continue
		}
		m, err := r.toMessage(dc, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// JSONDecoder decodes thing-model JSON reports. Payloads that are valid
// JSON but carry no report yield no messages.
type JSONDecoder struct{}

// Decode implements Decoder
func (JSONDecoder) Decode(_ context.Context, dc Context, payload []byte) ([]message.Message, error) {
	trimmed := trimLeft(payload)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var reports []report
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &reports); err != nil {
			return nil, fmt.Errorf("%w: %w", errors.ErrParsingFailed, err)
		}
	case '{':
		var r report
		if err := json.Unmarshal(trimmed, &r); err != nil {
			return nil, fmt.Errorf("%w: %w", errors.ErrParsingFailed, err)
		}
		reports = []report{r}
	default:
		return nil, nil
	}
	return reportsToMessages(reports, dc, payload)
}

// CBORDecoder decodes thing-model reports encoded as CBOR.
type CBORDecoder struct{}

// Decode implements Decoder
func (CBORDecoder) Decode(_ context.Context, dc Context, payload []byte) ([]message.Message, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var reports []report
	if err := cborDecMode.Unmarshal(payload, &reports); err != nil {
		var r report
		if err2 := cborDecMode.Unmarshal(payload, &r); err2 != nil {
			return nil, fmt.Errorf("%w: %w", errors.ErrParsingFailed, err2)
		}
		reports = []report{r}
	}
	return reportsToMessages(reports, dc, payload)
}

func trimLeft(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\n' || b[0] == '\r' || b[0] == '\t') {
		b = b[1:]
	}
	return b
}
