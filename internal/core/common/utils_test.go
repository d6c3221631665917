package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reply struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func TestParseJSON(t *testing.T) {
	got, err := ParseJSON[reply]("Sure! ```json\n{\"text\": \"use {braces} freely\", \"confidence\": 0.7}\n``` trailing {junk}")
	require.NoError(t, err)
	assert.Equal(t, "use {braces} freely", got.Text)
	assert.Equal(t, 0.7, got.Confidence)

	got, err = ParseJSON[reply](`{"text": "quote \" inside }", "confidence": 1}`)
	require.NoError(t, err)
	assert.Equal(t, `quote " inside }`, got.Text)
}

func TestParseJSONErrors(t *testing.T) {
	_, err := ParseJSON[reply]("plain text answer")
	assert.ErrorIs(t, err, ErrNoJSON)

	_, err = ParseJSON[reply](`{"text": "unterminated"`)
	assert.ErrorIs(t, err, ErrNoJSON)

	_, err = ParseJSON[reply](`{"text": 5}`)
	assert.ErrorContains(t, err, "failed to unmarshal JSON")
}
