package model

import (
	"strings"
	"time"
)

type Origin string

const (
	OriginPush   Origin = "push"
	OriginPoll   Origin = "poll"
	OriginLocal  Origin = "local"
	OriginSystem Origin = "system"
)

type (
	// ChatMessage is a decrypted message handed to the application layer.
	ChatMessage struct {
		ID         string
		Session    string
		Sender     string
		Text       string
		Origin     Origin
		ReceivedAt time.Time
	}

	MessageRequest struct {
		Message string `json:"message" validate:"required"`
	}

	MessagesResponse struct {
		Messages []string `json:"messages"`
		Cursor   int64    `json:"cursor"`
	}

	CursorResponse struct {
		Cursor int64 `json:"cursor"`
	}

	StatusResponse struct {
		Status string `json:"status,omitempty"`
		Error  string `json:"error,omitempty"`
	}
)

// FormatLine renders the "<name>: <text>" line that is sealed on the wire.
func FormatLine(name, text string) string {
	return name + ": " + text
}

// SplitLine is the inverse of FormatLine. Lines without a name prefix
// have an empty sender.
func SplitLine(line string) (sender, text string) {
	name, rest, ok := strings.Cut(line, ": ")
	if !ok {
		return "", line
	}
	return name, rest
}

func (m ChatMessage) Line() string {
	if m.Sender == "" {
		return m.Text
	}
	return FormatLine(m.Sender, m.Text)
}
