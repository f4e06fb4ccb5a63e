package pubsub

import (
	"context"
	"fmt"
)

// Publisher sends a message to every subscriber of a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, message []byte) error
}

// Subscriber delivers messages of a channel until ctx is done or the connection drops,
// at which point the returned channel is closed. A closed subscription cannot be restarted.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// GroupChannel is the channel carrying real-time events of a group.
func GroupChannel(groupID uint) string {
	return fmt.Sprintf("group:%d", groupID)
}
