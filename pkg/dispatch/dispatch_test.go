package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/switchboard/pkg/types"
)

func echo() Handler {
	return HandlerFunc(func(_ context.Context, payload json.RawMessage) (any, error) {
		return payload, nil
	})
}

func TestNewTableValidation(t *testing.T) {
	tests := []struct {
		name     string
		handlers map[string]Handler
		required []string
		wantErr  bool
	}{
		{"all present", map[string]Handler{"echo": echo()}, []string{"echo"}, false},
		{"extra handler", map[string]Handler{"echo": echo(), "x": echo()}, []string{"echo"}, false},
		{"missing required", map[string]Handler{"echo": echo()}, []string{"echo", "db_get"}, true},
		{"nil handler", map[string]Handler{"echo": nil}, nil, true},
		{"empty name", map[string]Handler{"": echo()}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTable(tt.handlers, tt.required, nil)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMissingRequiredNamesCommand(t *testing.T) {
	_, err := NewTable(map[string]Handler{}, []string{CommandPanel}, nil)
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeFailedPrecondition))
	assert.Contains(t, err.Error(), CommandPanel)
}

func TestDispatchRoundTrip(t *testing.T) {
	table, err := NewTable(map[string]Handler{"echo": echo()}, nil, nil)
	require.NoError(t, err)

	result, err := table.Dispatch(context.Background(), "echo", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(result.(json.RawMessage)))
}

func TestDispatchUnknownCommand(t *testing.T) {
	table, err := NewTable(map[string]Handler{"echo": echo()}, nil, nil)
	require.NoError(t, err)

	_, err = table.Dispatch(context.Background(), "launch_rockets", nil)
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotFound))
	assert.Equal(t, "Unknown request type: launch_rockets", types.Describe(err))
}

func TestDispatchHandlerError(t *testing.T) {
	boom := errors.New("store exploded")
	table, err := NewTable(map[string]Handler{
		"fail": HandlerFunc(func(context.Context, json.RawMessage) (any, error) { return nil, boom }),
	}, nil, nil)
	require.NoError(t, err)

	_, err = table.Dispatch(context.Background(), "fail", nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "store exploded", types.Describe(err))
}

func TestDispatchRecoversPanic(t *testing.T) {
	table, err := NewTable(map[string]Handler{
		"panic": HandlerFunc(func(context.Context, json.RawMessage) (any, error) { panic("nil map") }),
	}, nil, nil)
	require.NoError(t, err)

	var result any
	assert.NotPanics(t, func() {
		result, err = table.Dispatch(context.Background(), "panic", nil)
	})
	assert.Nil(t, result)
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeHandlerFailed))
	assert.Contains(t, err.Error(), "nil map")
}

func TestNames(t *testing.T) {
	table, err := NewTable(map[string]Handler{"b": echo(), "a": echo()}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, table.Names())
}

func TestDecode(t *testing.T) {
	type req struct {
		Store string `json:"store"`
		Key   string `json:"key"`
	}

	v, err := Decode[req](json.RawMessage(`{"store":"meta","key":"db_seeded"}`))
	require.NoError(t, err)
	assert.Equal(t, req{Store: "meta", Key: "db_seeded"}, v)

	v, err = Decode[req](nil)
	require.NoError(t, err)
	assert.Equal(t, req{}, v)

	_, err = Decode[req](json.RawMessage(`[1,2]`))
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}
