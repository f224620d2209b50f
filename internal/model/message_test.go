package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitLine(t *testing.T) {
	tests := []struct {
		line, sender, text string
	}{
		{"alice: hello", "alice", "hello"},
		{"alice: a: b", "alice", "a: b"},
		{"no prefix", "", "no prefix"},
		{": empty name", "", "empty name"},
	}
	for _, tt := range tests {
		sender, text := SplitLine(tt.line)
		assert.Equal(t, tt.sender, sender, tt.line)
		assert.Equal(t, tt.text, text, tt.line)
	}

	assert.Equal(t, "bob: hi", ChatMessage{Sender: "bob", Text: "hi"}.Line())
	assert.Equal(t, "hi", ChatMessage{Text: "hi"}.Line())
}
