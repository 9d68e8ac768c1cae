package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEncode_StableOutput(t *testing.T) {
	rec := Record{
		ID:         "msg-1",
		Sequence:   42,
		CapturedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Fields: Fields{
			"object":   "obj001",
			"location": "loc002",
			"weight":   0.5,
		},
	}

	first, err := rec.Encode()
	assert.NoError(t, err)

	// Same record must always produce the same bytes, field order included.
	for i := 0; i < 10; i++ {
		again, err := rec.Encode()
		assert.NoError(t, err)
		assert.Equal(t, first, again)
	}

	assert.Contains(t, string(first), `"sequence":42`)
	assert.Contains(t, string(first), `"object":"obj001"`)
}

func TestEncode_NestedFields(t *testing.T) {
	rec := Record{
		ID:         "msg-2",
		Sequence:   1,
		CapturedAt: time.Now().UTC(),
		Fields: Fields{
			"object": map[string]any{
				"id":   "obj001",
				"data": map[string]any{"name": "Widget A", "weight": 0.5},
			},
		},
	}

	out, err := rec.Encode()
	assert.NoError(t, err)
	assert.Contains(t, string(out), `"Widget A"`)
}

func TestEncode_EmptyFields(t *testing.T) {
	rec := Record{ID: "msg-3", Sequence: 2, CapturedAt: time.Now().UTC()}

	out, err := rec.Encode()
	assert.Error(t, err)
	assert.Nil(t, out)
}
