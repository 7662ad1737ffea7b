package engine

import "fmt"

// Tier is a state's replication tier.
type Tier int

const (
	// TierShared lives in every process; the server writes and broadcasts.
	TierShared Tier = iota + 1
	// TierServerOnly never leaves the server.
	TierServerOnly
	// TierPersistent is Shared plus durable storage on the server.
	TierPersistent
	// TierUserAgentLocal lives only on the owning client, in its local store.
	TierUserAgentLocal
)

func (t Tier) String() string {
	switch t {
	case TierShared:
		return "shared"
	case TierServerOnly:
		return "server_only"
	case TierPersistent:
		return "persistent"
	case TierUserAgentLocal:
		return "user_agent_local"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t >= TierShared && t <= TierUserAgentLocal
}

// Replicated reports whether writes are broadcast to clients.
func (t Tier) Replicated() bool {
	return t == TierShared || t == TierPersistent
}

// ParseTier converts a tier name into a Tier.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "shared":
		return TierShared, nil
	case "server_only":
		return TierServerOnly, nil
	case "persistent":
		return TierPersistent, nil
	case "user_agent_local":
		return TierUserAgentLocal, nil
	default:
		return 0, fmt.Errorf("invalid tier %q: must be shared, server_only, persistent, or user_agent_local", s)
	}
}
