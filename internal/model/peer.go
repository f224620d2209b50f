package model

type (
	// PeerEndpoint is a push target. URL is the complete address a sealed
	// message is delivered to.
	PeerEndpoint struct {
		URL      string `json:"url"`
		ChatCode string `json:"chat_code,omitempty"`
	}

	ConnectRequest struct {
		URL      string `json:"url" validate:"required"`
		ChatCode string `json:"chat_code,omitempty"`
	}
)
