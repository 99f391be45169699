// ABOUTME: Serialization helpers for structured list/map columns
// ABOUTME: Typed values are marshaled at the storage boundary, never leaked as blobs

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
)

// marshalJSON serializes v for a TEXT column. Nil and empty collections are
// stored as NULL so absent data stays distinguishable from "[]".
func marshalJSON(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]string:
		if len(t) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling column value: %w", err)
	}
	return string(data), nil
}

// unmarshalJSON fills out from a stored TEXT column. Malformed rows are
// logged and skipped rather than failing a whole read.
func unmarshalJSON(ns sql.NullString, out any) {
	if !ns.Valid || ns.String == "" {
		return
	}
	if err := json.Unmarshal([]byte(ns.String), out); err != nil {
		slog.Warn("failed to decode stored JSON column", "error", err)
	}
}
