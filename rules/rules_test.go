package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/protogate/message"
)

func msg(pk string, kind message.Kind, props map[string]any) message.Message {
	return message.Message{DeviceID: "d", ProductKey: pk, Kind: kind, Properties: props}
}

func TestNoop(t *testing.T) {
	in := []message.Message{msg("p1", message.KindProperty, nil)}
	out, err := Noop{}.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestFieldFilter_Thresholds(t *testing.T) {
	f, err := NewFieldFilter(Rule{
		Name:       "plausible-temp",
		ProductKey: "p1",
		Kinds:      []message.Kind{message.KindProperty},
		Conditions: []Condition{
			{Property: "temp", Op: OpGte, Value: -40},
			{Property: "temp", Op: OpLt, Value: 85.0},
		},
	})
	require.NoError(t, err)

	in := []message.Message{
		msg("p1", message.KindProperty, map[string]any{"temp": 21.0}),
		msg("p1", message.KindProperty, map[string]any{"temp": 120}),
		msg("p1", message.KindProperty, map[string]any{"hum": 3}),
		msg("p1", message.KindEvent, map[string]any{"temp": 999}),
		msg("p2", message.KindProperty, map[string]any{"temp": 999}),
	}
	out, err := f.Evaluate(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, 21.0, out[0].Properties["temp"])
	assert.Equal(t, message.KindEvent, out[1].Kind)
	assert.Equal(t, "p2", out[2].ProductKey)
}

func TestFieldFilter_EqualityAndExists(t *testing.T) {
	f, err := NewFieldFilter(Rule{
		Name: "armed",
		Conditions: []Condition{
			{Property: "mode", Op: OpNe, Value: "test"},
			{Property: "seq", Op: OpExists},
			{Property: "level", Op: OpEq, Value: 2},
		},
	})
	require.NoError(t, err)

	out, err := f.Evaluate(context.Background(), []message.Message{
		msg("p", message.KindProperty, map[string]any{"mode": "live", "seq": 1, "level": 2.0}),
		msg("p", message.KindProperty, map[string]any{"mode": "test", "seq": 1, "level": 2}),
		msg("p", message.KindProperty, map[string]any{"mode": "live", "level": 2}),
	})
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestNewFieldFilter_Validation(t *testing.T) {
	_, err := NewFieldFilter(Rule{Name: "r", Conditions: []Condition{{Property: "x", Op: "like"}}})
	assert.Error(t, err)

	_, err = NewFieldFilter(Rule{Name: "r", Conditions: []Condition{{Property: "x", Op: OpGt, Value: "ten"}}})
	assert.Error(t, err)
}

func TestFieldFilter_ContextCancelled(t *testing.T) {
	f, err := NewFieldFilter()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Evaluate(ctx, []message.Message{msg("p", message.KindProperty, nil)})
	assert.ErrorIs(t, err, context.Canceled)
}
