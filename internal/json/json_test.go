package json

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type holder struct {
	Model     string `json:"model"`
	Operation string `json:"operation"`
	Waiters   int    `json:"waiters"`
}

func TestRoundTrip(t *testing.T) {
	in := holder{Model: "default", Operation: "Add", Waiters: 2}
	data, err := Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"model":"default","operation":"Add","waiters":2}`, string(data))
	assert.True(t, Valid(data))

	var out holder
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)

	s, err := MarshalString(in)
	require.NoError(t, err)
	assert.Equal(t, string(data), s)
}

func TestInvalid(t *testing.T) {
	assert.False(t, Valid([]byte(`{"model":`)))
	var out holder
	assert.Error(t, Unmarshal([]byte(`{"model":1}`), &out))
}
