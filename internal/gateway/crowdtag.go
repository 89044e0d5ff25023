package gateway

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// StaticCrowdTag answers tag membership from an in-memory map. Tags that
// were never loaded answer TagUnknown so callers can fail open instead of
// rejecting eligible users when the tag service is unavailable.
type StaticCrowdTag struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{} // tagID -> set of userIDs
}

func NewStaticCrowdTag() *StaticCrowdTag {
	return &StaticCrowdTag{members: make(map[string]map[string]struct{})}
}

// AddMember registers a user under a tag, creating the tag if needed.
func (c *StaticCrowdTag) AddMember(tagID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.members[tagID]
	if !ok {
		set = make(map[string]struct{})
		c.members[tagID] = set
	}
	set[userID] = struct{}{}
}

// LoadTag registers an empty tag so lookups against it answer definitively.
func (c *StaticCrowdTag) LoadTag(tagID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[tagID]; !ok {
		c.members[tagID] = make(map[string]struct{})
	}
}

func (c *StaticCrowdTag) IsUserInTag(ctx context.Context, userID, tagID string) TagResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.members[tagID]
	if !ok {
		log.Warn().
			Str("tag_id", tagID).
			Str("user_id", userID).
			Msg("crowd tag not loaded, answering unknown")
		return TagUnknown
	}
	if _, member := set[userID]; member {
		return TagMember
	}
	return TagNotMember
}
