// Package sessionstore persists the last known status of polled jobs so a
// later process (or a reloaded UI) can resume from it.
//
// The poller only writes. Readers are the CLI status command and whatever
// UI layer embeds the engine.
package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/3leaps/jobwatch/pkg/jobstatus"
)

// DefaultKey is the key prefix the poller writes under. The job type is
// appended as a final path segment.
const DefaultKey = "jobwatch/last-status"

// ErrNotFound is returned by Get when nothing is stored under a key.
var ErrNotFound = errors.New("session update not found")

// Update is one persisted poll tick.
//
// NOTE: This is the on-disk / in-bucket JSON contract; extend additively.
type Update struct {
	JobID    string              `json:"job_id"`
	JobType  jobstatus.JobType   `json:"job_type"`
	UpdateID string              `json:"update_id"`
	Response *jobstatus.Envelope `json:"response"`
	SavedAt  time.Time           `json:"saved_at"`
}

// NewUpdate builds an Update with a fresh update id.
func NewUpdate(jobType jobstatus.JobType, jobID string, env *jobstatus.Envelope) *Update {
	return &Update{
		JobID:    jobID,
		JobType:  jobType,
		UpdateID: uuid.NewString(),
		Response: env.Clone(),
		SavedAt:  time.Now().UTC(),
	}
}

// Entry pairs a stored update with its key.
type Entry struct {
	Key    string
	Update *Update
}

// Store is a keyed store of the last update written per key.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Put replaces the update stored under key.
	Put(ctx context.Context, key string, u *Update) error

	// Get returns the update stored under key or ErrNotFound.
	Get(ctx context.Context, key string) (*Update, error)

	// List returns entries whose key matches a doublestar pattern
	// (e.g. "jobwatch/**"), sorted by key. An empty pattern matches all.
	List(ctx context.Context, pattern string) ([]Entry, error)

	// Close releases resources.
	Close() error
}

// KeyFor returns the key an update for jobType is written under.
func KeyFor(prefix string, jobType jobstatus.JobType) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = DefaultKey
	}
	return prefix + "/" + jobType.String()
}

// ValidateKey rejects keys that cannot be mapped onto every backend.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("session key is required")
	}
	if strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return fmt.Errorf("session key %q must not start or end with '/'", key)
	}
	if path.Clean(key) != key {
		return fmt.Errorf("session key %q is not a clean path", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." || seg == "." {
			return fmt.Errorf("session key %q contains a relative segment", key)
		}
	}
	return nil
}

func validateUpdate(key string, u *Update) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if u == nil {
		return fmt.Errorf("session update is nil")
	}
	if strings.TrimSpace(u.JobID) == "" {
		return fmt.Errorf("job_id is required")
	}
	return nil
}

func matchKey(pattern, key string) (bool, error) {
	if pattern == "" {
		return true, nil
	}
	ok, err := doublestar.Match(pattern, key)
	if err != nil {
		return false, fmt.Errorf("invalid key pattern %q: %w", pattern, err)
	}
	return ok, nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})
}
