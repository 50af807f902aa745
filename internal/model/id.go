package model

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"time"
)

// Session ids have the form sess_<unix seconds>_<8 hex>, so they sort roughly
// by creation and are safe as directory names.
var sessionIDPattern = regexp.MustCompile(`^sess_[0-9]{10}_[0-9a-f]{8}$`)

// NewSessionID stamps a fresh id with now. Uniqueness against the durable
// store is the caller's job.
func NewSessionID(now time.Time) (string, error) {
	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("read random suffix: %w", err)
	}
	return fmt.Sprintf("sess_%010d_%x", now.Unix(), suffix), nil
}

// ValidateID reports whether id is a well-formed session id. Ids that fail
// this check never reach the store.
func ValidateID(id string) bool {
	return sessionIDPattern.MatchString(id)
}
