package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// idPattern guards identifiers before they are interpolated into shell
// queries (pgrep, taskkill). Matches UUIDs and prefixed short ids.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidID reports whether id is safe to use outside SQL placeholders.
func ValidID(id string) bool {
	return id != "" && idPattern.MatchString(id)
}

// NewTaskID generates a gt-xxxxxx id from a short hash of
// (timestamp_ns, random, project_id). Collisions are retried with a fresh
// salt by the caller.
func NewTaskID(projectID string) string {
	return "gt-" + shortHash(projectID)
}

// NewWorktreeID generates a wt-xxxxxx id.
func NewWorktreeID(projectID string) string {
	return "wt-" + shortHash(projectID)
}

// NewCloneID generates a clone-<uuid> id.
func NewCloneID() string {
	return "clone-" + uuid.NewString()
}

// NewUUID returns a bare UUID string for sessions, runs, and messages.
func NewUUID() string {
	return uuid.NewString()
}

func shortHash(salt string) string {
	seed := fmt.Sprintf("%d:%d:%s", time.Now().UnixNano(), rand.Int63(), salt)
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])[:6]
}
