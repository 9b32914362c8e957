package mqtt

import (
	"fmt"
	"strings"

	"homecore/internal/models"
)

// Message is one inbound device report
type Message struct {
	Topic   string
	Type    models.ResourceType
	ID      string
	Channel string
	Payload string
}

// Ref returns the state-store reference the message updates
func (m Message) Ref() models.Ref {
	return models.Ref{Kind: m.Type.Kind(), ID: m.ID}
}

// ParseTopic splits {facility}/{type}/{uid}[/{channel path}].
// The channel path is joined with dots; a missing one means the default channel.
func ParseTopic(topic string) (Message, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	channel := models.DefaultChannel
	if len(parts) > 3 {
		if joined := strings.Join(parts[3:], "."); joined != "" {
			channel = joined
		}
	}
	return Message{
		Topic:   topic,
		Type:    models.ResourceType(parts[1]),
		ID:      parts[2],
		Channel: channel,
	}, nil
}
