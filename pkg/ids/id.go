package ids

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// SessionID identifies one feed session. A new one is minted per feed mount;
// slot identifiers derived from it stay stable for the life of that session.
type SessionID string

// NewSessionID returns a fresh session identifier.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// String returns the string representation of the session ID.
func (id SessionID) String() string {
	return string(id)
}

// SlotID identifies one ad slot within a session. Stable per feed index:
// the same (session, index) pair always yields the same SlotID.
type SlotID string

// NewSlotID derives the slot identifier for a feed index within a session.
func NewSlotID(session SessionID, feedIndex int) SlotID {
	return SlotID(fmt.Sprintf("%s/%d", session, feedIndex))
}

// FeedIndex extracts the feed index encoded in the slot ID.
func (id SlotID) FeedIndex() (int, error) {
	i := strings.LastIndexByte(string(id), '/')
	if i < 0 {
		return 0, fmt.Errorf("malformed slot id %q", string(id))
	}
	return strconv.Atoi(string(id[i+1:]))
}

// String returns the string representation of the slot ID.
func (id SlotID) String() string {
	return string(id)
}

// GenerateTestID creates a random slot ID for testing
func GenerateTestID() SlotID {
	return NewSlotID(NewSessionID(), 0)
}
