package redis

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/alanyang/delegate-broker/internal/domain/event"
)

// Namespace prefixes every key and channel the broker owns in Redis.
const Namespace = "delegate"

func channelKey(ch event.Channel) string {
	return fmt.Sprintf("%s:chan:%s", Namespace, ch)
}

func whitelistKey(accountID string, agentID uuid.UUID) string {
	return fmt.Sprintf("%s:whitelist:%s:%s", Namespace, accountID, agentID)
}
