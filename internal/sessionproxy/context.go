package sessionproxy

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/cmux-dev/gateway/internal/routing"
)

// taskPreviewPrefix marks persist keys that get a dedicated storage partition.
const taskPreviewPrefix = "task-preview:"

// Context is one session's authenticated binding to a sandbox route.
type Context struct {
	ID        string
	SessionID uint32
	Username  string
	Password  string
	Route     *routing.Route
}

// newContext mints fresh random credentials bound to a route. The username
// embeds the session id so proxy logs are attributable; the password is the
// only secret.
func newContext(sessionID uint32, route *routing.Route) (*Context, error) {
	userSuffix := make([]byte, 4)
	if _, err := rand.Read(userSuffix); err != nil {
		return nil, fmt.Errorf("mint username: %w", err)
	}
	password := make([]byte, 12)
	if _, err := rand.Read(password); err != nil {
		return nil, fmt.Errorf("mint password: %w", err)
	}

	return &Context{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Username:  fmt.Sprintf("wc-%d-%s", sessionID, hex.EncodeToString(userSuffix)),
		Password:  hex.EncodeToString(password),
		Route:     route,
	}, nil
}

// Partition derives a content-addressed storage partition for a persist key.
// Task-preview keys hash to a stable partition so the same logical target
// reuses its storage across reconnects while distinct targets never collide.
// Any other key gets no dedicated partition.
func Partition(persistKey string) string {
	if !strings.HasPrefix(persistKey, taskPreviewPrefix) {
		return ""
	}
	sum := sha256.Sum256([]byte(persistKey))
	return "persist:preview-" + hex.EncodeToString(sum[:])[:16]
}
