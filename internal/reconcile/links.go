package reconcile

import (
	"fmt"
	"time"

	"github.com/danielolaszy/tether/internal/identity"
)

// Links binds the identity map to one system, paired with peer.
type Links struct {
	store  identity.Store
	system string
	peer   string
}

// NewLinks returns the identity map view of system, whose counterparts live
// in peer.
func NewLinks(store identity.Store, system, peer string) *Links {
	return &Links{store: store, system: system, peer: peer}
}

func (l *Links) tag(kind Kind) identity.Tag {
	return identity.NewTag(l.system, kind.String())
}

func (l *Links) peerTag(kind Kind) identity.Tag {
	return identity.NewTag(l.peer, kind.String())
}

// GetSyncID returns the counterpart id of a local entity, or 0.
func (l *Links) GetSyncID(kind Kind, id int64) (int64, error) {
	return l.store.SyncID(l.tag(kind), id)
}

// SetSyncID links a local entity to remote. A remote of 0 unlinks it.
func (l *Links) SetSyncID(kind Kind, id, remote int64) error {
	return l.store.SetSyncID(l.tag(kind), id, remote)
}

// Watermark returns when the entity was last reconciled, zero if never.
func (l *Links) Watermark(kind Kind, id int64) (time.Time, error) {
	return l.store.Watermark(l.tag(kind), id)
}

func (l *Links) SetWatermark(kind Kind, id int64, at time.Time) error {
	return l.store.SetWatermark(l.tag(kind), id, at)
}

// Ref resolves the cross-reference of a local entity once and returns it.
func (l *Links) Ref(kind Kind, id int64) (*Ref, error) {
	sync, err := l.GetSyncID(kind, id)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s %d sync id: %w", kind, id, err)
	}
	return &Ref{links: l, kind: kind, id: id, syncID: sync}, nil
}

// Ref carries an entity's identity and its counterpart id, resolved when the
// entity is built for a pass. Backend entity types embed it.
type Ref struct {
	links  *Links
	kind   Kind
	id     int64
	syncID int64
}

func (r *Ref) Kind() Kind    { return r.kind }
func (r *Ref) ID() int64     { return r.id }
func (r *Ref) SyncID() int64 { return r.syncID }

// Link persists remote as the counterpart and caches it.
func (r *Ref) Link(remote int64) error {
	if err := r.links.SetSyncID(r.kind, r.id, remote); err != nil {
		return err
	}
	r.syncID = remote
	return nil
}

// Rekey gives the entity a new local id, keeping its counterpart. Both ends of
// the persisted link are rewritten so the counterpart resolves to the new id.
func (r *Ref) Rekey(id int64) error {
	if id == r.id {
		return nil
	}
	if r.syncID != 0 {
		if err := r.links.SetSyncID(r.kind, id, r.syncID); err != nil {
			return err
		}
		if err := r.links.SetSyncID(r.kind, r.id, 0); err != nil {
			return err
		}
		if err := r.links.store.SetSyncID(r.links.peerTag(r.kind), r.syncID, id); err != nil {
			return err
		}
	}
	at, err := r.links.Watermark(r.kind, r.id)
	if err != nil {
		return err
	}
	if !at.IsZero() {
		if err := r.links.SetWatermark(r.kind, id, at); err != nil {
			return err
		}
		if err := r.links.SetWatermark(r.kind, r.id, time.Time{}); err != nil {
			return err
		}
	}
	r.id = id
	return nil
}

// Watermark returns when this entity was last reconciled, zero if never.
func (r *Ref) Watermark() (time.Time, error) {
	return r.links.Watermark(r.kind, r.id)
}

func (r *Ref) SetWatermark(at time.Time) error {
	return r.links.SetWatermark(r.kind, r.id, at)
}
