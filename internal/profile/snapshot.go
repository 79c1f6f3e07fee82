package profile

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gavindi/gnoming-profiles-sub000/internal/settings"
	"github.com/gavindi/gnoming-profiles-sub000/internal/utils"
)

// SnapshotFileName is the remote path of the serialized settings snapshot.
const SnapshotFileName = "profile.json"

// Snapshot is one serialized capture of the settings tree. Immutable once
// serialized; restores apply it schema-by-schema but never partially
// serialize one.
type Snapshot struct {
	Timestamp time.Time                    `json:"timestamp"`
	Settings  map[string]map[string]string `json:"settings"`
}

// BuildSnapshot captures the full settings tree.
func BuildSnapshot(store settings.Store) (*Snapshot, error) {
	snap := &Snapshot{
		Timestamp: time.Now().UTC(),
		Settings:  make(map[string]map[string]string),
	}
	for _, schema := range store.ListSchemas() {
		keys, err := store.ListKeys(schema)
		if err != nil {
			return nil, fmt.Errorf("snapshot schema %q: %w", schema, err)
		}
		values := make(map[string]string, len(keys))
		for _, key := range keys {
			value, err := store.GetValue(schema, key)
			if err != nil {
				return nil, fmt.Errorf("snapshot %s/%s: %w", schema, key, err)
			}
			values[key] = value
		}
		snap.Settings[schema] = values
	}
	return snap, nil
}

func (s *Snapshot) Serialize() ([]byte, error) {
	data, err := utils.JSONMarshalIndent(s)
	if err != nil {
		return nil, fmt.Errorf("serialize snapshot: %w", err)
	}
	return data, nil
}

// StableBytes serializes only the settings tree, with deterministic key
// order. Content-hash comparison uses this form so the snapshot's own
// timestamp never makes an otherwise unchanged profile look modified.
func (s *Snapshot) StableBytes() ([]byte, error) {
	data, err := utils.JSONMarshal(s.Settings)
	if err != nil {
		return nil, fmt.Errorf("serialize settings tree: %w", err)
	}
	return data, nil
}

func ParseSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := utils.JSONUnmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &snap, nil
}

// Apply writes the snapshot into store, schema by schema. A schema absent
// locally is skipped, and individual key failures are logged and skipped,
// so one bad entry never aborts the rest of the restore. Returns the
// number of keys applied and skipped.
func (s *Snapshot) Apply(store settings.Store) (applied, skipped int) {
	for schema, values := range s.Settings {
		if !store.HasSchema(schema) {
			slog.Warn("schema not present locally, skipping", "schema", schema, "keys", len(values))
			skipped += len(values)
			continue
		}
		for key, value := range values {
			if err := store.SetValue(schema, key, value); err != nil {
				slog.Warn("apply key failed", "schema", schema, "key", key, "error", err)
				skipped++
				continue
			}
			applied++
		}
	}
	return applied, skipped
}
