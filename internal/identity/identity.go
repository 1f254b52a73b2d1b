// Package identity persists the cross-reference between entities of two
// systems of record, together with the "last reconciled at" watermarks that
// bound incremental queries.
package identity

import (
	"fmt"
	"strings"
	"time"
)

// Tag distinguishes one (system, entity kind) pair, e.g. "jira.task".
type Tag string

// NewTag builds the tag for kind entities owned by system.
func NewTag(system, kind string) Tag {
	return Tag(strings.ToLower(system) + "." + strings.ToLower(kind))
}

// System returns the system half of the tag.
func (t Tag) System() string {
	s, _, _ := strings.Cut(string(t), ".")
	return s
}

// Kind returns the entity kind half of the tag.
func (t Tag) Kind() string {
	_, k, _ := strings.Cut(string(t), ".")
	return k
}

// Link is one persisted cross-reference.
type Link struct {
	Tag    Tag   `yaml:"tag"`
	Local  int64 `yaml:"local"`
	Remote int64 `yaml:"remote"`
}

// Mark is one persisted watermark.
type Mark struct {
	Tag Tag       `yaml:"tag"`
	ID  int64     `yaml:"id"`
	At  time.Time `yaml:"at"`
}

// Store is the identity map. A remote id of 0 means unlinked and a zero
// time.Time means the entity was never reconciled.
type Store interface {
	// SyncID returns the remote id linked to local, or 0.
	SyncID(tag Tag, local int64) (int64, error)
	// SetSyncID links local to remote. Linking to 0 removes the entry.
	SetSyncID(tag Tag, local, remote int64) error
	// Watermark returns the stored watermark, or the zero time when absent.
	Watermark(tag Tag, id int64) (time.Time, error)
	// SetWatermark stores at. Storing the zero time removes the entry.
	SetWatermark(tag Tag, id int64, at time.Time) error
	Links() ([]Link, error)
	Watermarks() ([]Mark, error)
	Close() error
}

// encode converts a watermark into its stored integer form. The zero time
// has no stored form; callers delete the row instead.
func encode(at time.Time) int64 {
	return at.UTC().UnixNano()
}

func decode(v int64) time.Time {
	return time.Unix(0, v).UTC()
}

func validate(tag Tag, id int64) error {
	if tag == "" {
		return fmt.Errorf("identity: empty tag")
	}
	if id == 0 {
		return fmt.Errorf("identity: %s: id 0 is reserved", tag)
	}
	return nil
}
