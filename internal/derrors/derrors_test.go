package derrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap_PassesThroughDaemonErrors(t *testing.T) {
	inner := New(HashMismatch, "digest does not match")
	wrapped := Wrap(Internal, "install failed", fmt.Errorf("step 3: %w", inner))

	assert.True(t, IsKind(wrapped, HashMismatch))
	assert.False(t, IsKind(wrapped, Internal))
	assert.Same(t, inner, wrapped)
}

func TestWrap_ForeignError(t *testing.T) {
	wrapped := Wrap(Database, "query failed", errors.New("disk io"))
	assert.True(t, IsKind(wrapped, Database))
	assert.Equal(t, 500, StatusOf(wrapped))
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, 400, StatusOf(New(Validation, "bad input")))
	assert.Equal(t, 503, StatusOf(New(Overloaded, "queue full")))
	assert.Equal(t, 500, StatusOf(errors.New("anything")))
}

func TestMarshalJSON(t *testing.T) {
	err := Newf(PackageExists, "package %s already exists", "foo").
		WithData(map[string]any{"name": "foo"})

	raw, merr := json.Marshal(err)
	require.NoError(t, merr)

	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "Package Already Exists", body["error"])
	assert.Equal(t, float64(500), body["status_code"])
	assert.Equal(t, map[string]any{"name": "foo"}, body["data"])
}

func TestSerialize_ForeignError(t *testing.T) {
	s := Serialize(errors.New("boom"))
	assert.Equal(t, Internal, s.Kind)
	assert.Equal(t, "boom", s.Msg)
}
