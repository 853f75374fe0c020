// Package identity creates participant and session ids and turns them into
// things people can read and share.
package identity

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"regexp"
	"strings"

	"github.com/lithammer/shortuuid/v4"
)

// MaxSessionIDLength matches the limit the relay enforces.
const MaxSessionIDLength = 64

var ErrInvalidSession = errors.New("invalid session id")

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// New returns a fresh participant id. A room creator's id also names the
// session it creates.
func New() string {
	return shortuuid.New()
}

// ValidateSessionID reports whether id can name a session on the relay.
func ValidateSessionID(id string) error {
	if id == "" || len(id) > MaxSessionIDLength || !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSession, id)
	}
	return nil
}

// ParseSessionURL accepts a bare session id or a share link and returns the
// session id.
func ParseSessionURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "/") {
		return raw, ValidateSessionID(raw)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	path := strings.Trim(u.Path, "/")
	id := path[strings.LastIndex(path, "/")+1:]
	if err := ValidateSessionID(id); err != nil {
		return "", err
	}
	return id, nil
}

// ShareURL builds the link other participants open to join sessionID.
func ShareURL(origin, sessionID string) string {
	return strings.TrimRight(origin, "/") + "/" + url.PathEscape(sessionID)
}

// Nickname derives a stable display name from a participant id. The same id
// always yields the same name on every participant.
func Nickname(id string) string {
	h := fnv.New32a()
	h.Write([]byte(id))
	sum := h.Sum32()

	adj := adjectives[sum%uint32(len(adjectives))]
	animal := animals[(sum/uint32(len(adjectives)))%uint32(len(animals))]
	return adj + "-" + animal
}
