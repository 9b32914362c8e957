package db

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// errBadRow marks a row that scanned fine but does not decode into a valid entity
var errBadRow = errors.New("malformed row")

func badRow(what string, err error) error {
	return fmt.Errorf("%s: %w: %w", what, errBadRow, err)
}

// brokenOwners maps an entity id to the first malformed child row found for it
type brokenOwners map[int64]error

func (b brokenOwners) add(owner int64, err error) {
	if _, ok := b[owner]; !ok {
		b[owner] = err
	}
}

func (b brokenOwners) merge(other brokenOwners) {
	for owner, err := range other {
		b.add(owner, err)
	}
}

// dropBroken removes entities with a malformed child row so the rest still load
func dropBroken[T any](items []T, id func(T) int64, broken brokenOwners, what string, logger *zap.Logger) []T {
	if len(broken) == 0 {
		return items
	}
	kept := make([]T, 0, len(items))
	for _, item := range items {
		if err, ok := broken[id(item)]; ok {
			logger.Warn("DB: Skipping "+what+" with malformed rows", zap.Int64("id", id(item)), zap.Error(err))
			continue
		}
		kept = append(kept, item)
	}
	return kept
}

// decodeSettings decodes a virtual_devices.settings value, which must be a JSON object or null
func decodeSettings(id string, raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var settings map[string]any
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, badRow("virtual device "+id+" settings", err)
	}
	return settings, nil
}
