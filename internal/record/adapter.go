package record

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/tidwall/gjson"

	"github.com/modulaur/modulaur/internal/logger"
	runtimeerrors "github.com/modulaur/modulaur/pkg/errors"
)

// TypeGrants answers whether a plugin may touch a record type.
type TypeGrants interface {
	CheckRecordType(pluginID, recordType string) bool
}

// Adapter is the capability-checked facade plugins use for record CRUD.
// It stamps provenance server-side and filters reads by source visibility,
// so a plugin can neither write records that masquerade as another plugin's
// data nor enumerate records it does not own.
type Adapter struct {
	store  Store
	grants TypeGrants
	log    *logger.Logger
	now    func() time.Time
}

// NewAdapter wires a store behind grant checks.
func NewAdapter(store Store, grants TypeGrants, log *logger.Logger) *Adapter {
	return &Adapter{
		store:  store,
		grants: grants,
		log:    log.WithComponent("record"),
		now:    time.Now,
	}
}

// Upsert validates the caller's record-type grant, stamps source and
// timestamp, assigns an id when the record has none, and writes the record.
// The stored record is returned so callers see the assigned fields.
//
// Ids are deterministic when the payload carries an external id under
// "data.id": the same source, type and external id always map to the same
// key, which makes repeated fetches idempotent.
//
// A caller-supplied id pointing at another plugin's record reads as missing;
// guessing a deterministic id never lets the caller overwrite it.
func (a *Adapter) Upsert(ctx context.Context, pluginID string, rec StagedRecord) (*StagedRecord, error) {
	if rec.RecordType == "" {
		return nil, fmt.Errorf("record has no type")
	}
	if !a.grants.CheckRecordType(pluginID, rec.RecordType) {
		return nil, runtimeerrors.NewCapabilityDenied(pluginID, "records:"+rec.RecordType)
	}

	rec = rec.Clone()
	if !SourceVisible(pluginID, rec.Source) {
		rec.Source = pluginID
	}
	rec.Timestamp = a.now().UTC()

	if rec.ID.IsZero() {
		rec.ID = a.assignID(rec)
	} else if existing, err := a.store.Get(ctx, rec.ID); err == nil {
		if !SourceVisible(pluginID, existing.Source) {
			a.log.WithPlugin(pluginID).Debugf("denied overwrite of %s owned by %s", rec.ID, existing.Source)
			return nil, runtimeerrors.NewNotFound(rec.ID.String())
		}
	} else if !runtimeerrors.IsNotFound(err) {
		return nil, err
	}

	if err := a.store.Put(ctx, rec); err != nil {
		return nil, err
	}
	a.log.WithPlugin(pluginID).Debugf("upserted %s (%s)", rec.ID, rec.RecordType)
	return &rec, nil
}

// GetByType returns the caller's records of the given type. Visibility
// filtering happens here, not in the caller.
func (a *Adapter) GetByType(ctx context.Context, pluginID, recordType string) ([]StagedRecord, error) {
	if !a.grants.CheckRecordType(pluginID, recordType) {
		return nil, runtimeerrors.NewCapabilityDenied(pluginID, "records:"+recordType)
	}

	all, err := a.store.ListByType(ctx, recordType)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if SourceVisible(pluginID, rec.Source) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Update replaces the payload and metadata of an existing, visible record.
// Identity fields (id, type, source) are preserved; a missing or invisible
// target is NotFound, never a permission error, so existence is not leaked.
func (a *Adapter) Update(ctx context.Context, pluginID string, id RecordID, rec StagedRecord) (*StagedRecord, error) {
	existing, err := a.visible(ctx, pluginID, id)
	if err != nil {
		return nil, err
	}
	if !a.grants.CheckRecordType(pluginID, existing.RecordType) {
		return nil, runtimeerrors.NewCapabilityDenied(pluginID, "records:"+existing.RecordType)
	}

	updated := existing.Clone()
	updated.Data = RawCopy(rec.Data)
	updated.Metadata = rec.Metadata
	updated.Timestamp = a.now().UTC()

	if err := a.store.Put(ctx, updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// Delete removes an existing, visible record.
func (a *Adapter) Delete(ctx context.Context, pluginID string, id RecordID) error {
	existing, err := a.visible(ctx, pluginID, id)
	if err != nil {
		return err
	}
	if !a.grants.CheckRecordType(pluginID, existing.RecordType) {
		return runtimeerrors.NewCapabilityDenied(pluginID, "records:"+existing.RecordType)
	}
	return a.store.Delete(ctx, id)
}

// DeleteByType removes all of the caller's own records of a type. Records
// with page-scoped derivative sources are removed too.
func (a *Adapter) DeleteByType(ctx context.Context, pluginID, recordType string) (int, error) {
	if !a.grants.CheckRecordType(pluginID, recordType) {
		return 0, runtimeerrors.NewCapabilityDenied(pluginID, "records:"+recordType)
	}

	all, err := a.store.ListByType(ctx, recordType)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range all {
		if !SourceVisible(pluginID, rec.Source) {
			continue
		}
		if err := a.store.Delete(ctx, rec.ID); err != nil {
			if runtimeerrors.IsNotFound(err) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

func (a *Adapter) visible(ctx context.Context, pluginID string, id RecordID) (*StagedRecord, error) {
	rec, err := a.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !SourceVisible(pluginID, rec.Source) {
		// Invisible reads as missing. The audit log still records who asked.
		a.log.WithPlugin(pluginID).Debugf("denied access to %s owned by %s", id, rec.Source)
		return nil, runtimeerrors.NewNotFound(id.String())
	}
	return rec, nil
}

func (a *Adapter) assignID(rec StagedRecord) RecordID {
	if ext := gjson.GetBytes(rec.Data, "id"); ext.Exists() && ext.String() != "" {
		key := fmt.Sprintf("%s_%s_%s",
			sanitizeKey(rec.Source), sanitizeKey(rec.RecordType), sanitizeKey(ext.String()))
		return NewRecordID(key)
	}

	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	return NewRecordID(hex.EncodeToString(buf))
}

// sanitizeKey lowercases and maps anything outside [a-z0-9_-] to '-' so the
// composed key stays unambiguous and shell-safe.
func sanitizeKey(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range s {
		c = unicode.ToLower(c)
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '-':
			b.WriteRune(c)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// RawCopy duplicates a raw JSON buffer; nil stays nil.
func RawCopy(data []byte) []byte {
	if data == nil {
		return nil
	}
	return append([]byte(nil), data...)
}
