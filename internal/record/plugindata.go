package record

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modulaur/modulaur/internal/logger"
	runtimeerrors "github.com/modulaur/modulaur/pkg/errors"
)

// DataTable is the table plugin key/value entries live in.
const DataTable = "plugin_data"

var dataTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"boolean": true,
	"json":    true,
}

// PluginData is one scoped key/value entry owned by a plugin. An entry is
// either global to the plugin or scoped to a single panel.
type PluginData struct {
	ID        string    `json:"id"`
	PluginID  string    `json:"plugin_id"`
	PanelID   string    `json:"panel_id,omitempty"`
	Scope     string    `json:"scope"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	DataType  string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DataService stores plugin-scoped key/value data in the record store.
// Entries are keyed "plugin:panel:key" (panel is "global" for unscoped
// entries), so a key exists once per scope. Ownership is enforced by
// construction: every lookup is keyed by the calling plugin's id and
// cross-checked against the stored provenance.
type DataService struct {
	store Store
	log   *logger.Logger
	now   func() time.Time
}

// NewDataService wires plugin data storage over a record store.
func NewDataService(store Store, log *logger.Logger) *DataService {
	return &DataService{
		store: store,
		log:   log.WithComponent("plugindata"),
		now:   time.Now,
	}
}

func dataRecordID(pluginID, panelID, key string) RecordID {
	panel := panelID
	if panel == "" {
		panel = "global"
	}
	return RecordID{Table: DataTable, Key: pluginID + ":" + panel + ":" + key}
}

// Set writes one entry, creating or overwriting it. The creation time of an
// existing entry is preserved; only the value, type, and update time change.
func (s *DataService) Set(ctx context.Context, pluginID, panelID, key, value, dataType string) (*PluginData, error) {
	if key == "" {
		return nil, fmt.Errorf("plugin data key is empty")
	}
	if !dataTypes[dataType] {
		return nil, fmt.Errorf("invalid data type %q: must be string, number, boolean, or json", dataType)
	}

	scope := "global"
	if panelID != "" {
		scope = "panel"
	}
	id := dataRecordID(pluginID, panelID, key)
	now := s.now().UTC()

	entry := PluginData{
		ID:        id.String(),
		PluginID:  pluginID,
		PanelID:   panelID,
		Scope:     scope,
		Key:       key,
		Value:     value,
		DataType:  dataType,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing, err := s.get(ctx, pluginID, id); err == nil {
		entry.CreatedAt = existing.CreatedAt
	} else if !runtimeerrors.IsNotFound(err) {
		return nil, err
	}

	rec, err := dataRecord(pluginID, id, entry)
	if err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, rec); err != nil {
		return nil, err
	}
	s.log.WithPlugin(pluginID).Debugf("saved %s", id)
	return &entry, nil
}

// Get returns one entry by scope and key.
func (s *DataService) Get(ctx context.Context, pluginID, panelID, key string) (*PluginData, error) {
	return s.get(ctx, pluginID, dataRecordID(pluginID, panelID, key))
}

// Delete removes matching entries and reports how many went. Both panel and
// key select a single entry; panel alone clears that panel's entries; key
// alone clears the global entry for that key; neither clears everything the
// plugin owns.
func (s *DataService) Delete(ctx context.Context, pluginID, panelID, key string) (int, error) {
	entries, err := s.All(ctx, pluginID)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, e := range entries {
		switch {
		case panelID != "" && key != "":
			if e.PanelID != panelID || e.Key != key {
				continue
			}
		case panelID != "":
			if e.PanelID != panelID {
				continue
			}
		case key != "":
			if e.PanelID != "" || e.Key != key {
				continue
			}
		}
		if err := s.store.Delete(ctx, dataRecordID(pluginID, e.PanelID, e.Key)); err != nil {
			if runtimeerrors.IsNotFound(err) {
				continue
			}
			return n, err
		}
		n++
	}
	if n > 0 {
		s.log.WithPlugin(pluginID).Debugf("deleted %d entries", n)
	}
	return n, nil
}

// All returns every entry the plugin owns.
func (s *DataService) All(ctx context.Context, pluginID string) ([]PluginData, error) {
	records, err := s.store.ListBySource(ctx, pluginID)
	if err != nil {
		return nil, err
	}

	var out []PluginData
	for _, rec := range records {
		if rec.RecordType != DataTable {
			continue
		}
		entry, err := decodeData(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, nil
}

func (s *DataService) get(ctx context.Context, pluginID string, id RecordID) (*PluginData, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Source != pluginID {
		return nil, runtimeerrors.NewNotFound(id.String())
	}
	return decodeData(*rec)
}

func dataRecord(pluginID string, id RecordID, entry PluginData) (StagedRecord, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return StagedRecord{}, fmt.Errorf("encode plugin data: %w", err)
	}
	return StagedRecord{
		ID:         id,
		RecordType: DataTable,
		Source:     pluginID,
		Timestamp:  entry.UpdatedAt,
		Data:       data,
	}, nil
}

func decodeData(rec StagedRecord) (*PluginData, error) {
	var entry PluginData
	if err := json.Unmarshal(rec.Data, &entry); err != nil {
		return nil, fmt.Errorf("decode plugin data %s: %w", rec.ID, err)
	}
	return &entry, nil
}
