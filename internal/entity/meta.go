package entity

import (
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/tillsync/internal/store"
)

// Meta is the change-tracking header embedded in every local row.
type Meta struct {
	ID             string     `db:"id"`
	BusinessUnitID string     `db:"businessUnitId"`
	CreatedAt      time.Time  `db:"createdAt"`
	UpdatedAt      time.Time  `db:"updatedAt"`
	DeletedAt      *time.Time `db:"deletedAt"`
}

// Header returns the row's change-tracking header.
func (m Meta) Header() Meta { return m }

// Deleted reports whether the row is tombstoned.
func (m Meta) Deleted() bool { return m.DeletedAt != nil }

func (m *Meta) meta() *Meta { return m }

func (m Meta) toWire() WireMeta {
	return WireMeta{
		ID:             m.ID,
		BusinessUnitID: m.BusinessUnitID,
		CreatedAt:      store.Normalize(m.CreatedAt),
		UpdatedAt:      store.Normalize(m.UpdatedAt),
		DeletedAt:      normalizePtr(m.DeletedAt),
	}
}

// WireMeta is the remote form of Meta.
type WireMeta struct {
	ID             string     `db:"id"`
	BusinessUnitID string     `db:"business_unit_id"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
	DeletedAt      *time.Time `db:"deleted_at"`
}

// WireHeader returns the remote change-tracking header.
func (w WireMeta) WireHeader() WireMeta { return w }

func (w WireMeta) toLocal() Meta {
	return Meta{
		ID:             w.ID,
		BusinessUnitID: w.BusinessUnitID,
		CreatedAt:      store.Normalize(w.CreatedAt),
		UpdatedAt:      store.Normalize(w.UpdatedAt),
		DeletedAt:      normalizePtr(w.DeletedAt),
	}
}

// Row is implemented by every local row type through its embedded Meta.
type Row interface {
	Header() Meta
}

// WireRow is implemented by every wire row type through its embedded WireMeta.
type WireRow interface {
	WireHeader() WireMeta
}

type metaHolder interface {
	meta() *Meta
}

func normalizePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	n := store.Normalize(*t)
	return &n
}

// Text normalizes free text to NFC so equivalent strings compare equal on
// every replica.
func Text(s string) string {
	return norm.NFC.String(s)
}

// nullable maps an empty string to NULL on the wire.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	s = Text(s)
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return Text(*s)
}

func optional(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	v := *s
	return &v
}
