package types

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateIDIsUnique(t *testing.T) {
	seen := make(map[ID]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateID()
		require.Len(t, id.String(), 36)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestMessageShapes(t *testing.T) {
	req, err := NewRequest("db_get", "req-1", map[string]string{"store": "meta"})
	require.NoError(t, err)
	assert.False(t, req.IsResponse())
	assert.False(t, req.IsPush())

	res, err := NewResult("db_get", "req-1", true)
	require.NoError(t, err)
	assert.Equal(t, "db_get_result", res.Type)
	assert.True(t, res.IsResponse())
	assert.False(t, res.IsErrorResponse())

	errRes := NewErrorResult("db_get", "req-1", NewError(ErrCodeNotFound, "missing"))
	assert.Equal(t, "db_get_error", errRes.Type)
	assert.Equal(t, "missing", errRes.Error)
	assert.True(t, errRes.IsErrorResponse())

	push, err := NewPush("metrics", []int{1, 2})
	require.NoError(t, err)
	assert.True(t, push.IsPush())
	assert.JSONEq(t, `{"topic":"metrics","payload":[1,2]}`, mustJSON(t, push))

	assert.JSONEq(t, `{"type":"subscribe","topic":"panel"}`, mustJSON(t, NewSubscribe("panel")))
	assert.JSONEq(t, `{"type":"unsubscribe","topic":"panel"}`, mustJSON(t, NewUnsubscribe("panel")))
}

func TestResultWithNilPayloadKeepsPayloadField(t *testing.T) {
	res, err := NewResult("db_get", "r", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"db_get_result","requestId":"r","payload":null}`, mustJSON(t, res))
}

func TestDescribeStripsCodes(t *testing.T) {
	inner := fmt.Errorf("disk full")
	err := WrapError(ErrCodeInternal, "write failed", inner)
	assert.Equal(t, "write failed: disk full", Describe(err))
	assert.Equal(t, "plain", Describe(fmt.Errorf("plain")))
	assert.Equal(t, "", Describe(nil))
}

func TestIsErrCodeFollowsChain(t *testing.T) {
	err := WrapError(ErrCodeHandlerFailed, "handler", NewError(ErrCodeTimeout, "slow"))
	assert.True(t, IsErrCode(err, ErrCodeHandlerFailed))
	assert.True(t, IsErrCode(err, ErrCodeTimeout))
	assert.False(t, IsErrCode(err, ErrCodeNotFound))
	assert.Equal(t, ErrCodeHandlerFailed, GetErrorCode(fmt.Errorf("wrapped: %w", err)))
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}
