package app

import (
	"errors"
	"testing"

	"pq_chat/internal/model"
	"pq_chat/internal/service/syncer"

	"github.com/stretchr/testify/assert"
)

func TestRenderMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  model.ChatMessage
		want string
	}{
		{"partner", model.ChatMessage{Sender: "bob", Text: "hi"}, "[green]bob:[-] hi"},
		{"no sender", model.ChatMessage{Text: "hi"}, "[green]Partner:[-] hi"},
		{"system", model.ChatMessage{Text: "lost", Origin: model.OriginSystem}, "[red]lost[-]"},
		{"own echo", model.ChatMessage{Sender: "alice", Text: "hi", Origin: model.OriginLocal}, "[yellow]You:[-] hi"},
		{"escaped tags", model.ChatMessage{Sender: "bob", Text: "[red]x[-]"}, "[green]bob:[-] [red[]x[-[]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, renderMessage(tt.msg))
		})
	}
}

func TestSendError(t *testing.T) {
	assert.Contains(t, sendError(syncer.ErrNoPeerKey), "No partner yet")
	assert.Contains(t, sendError(errors.New("disk full")), "disk full")
}
