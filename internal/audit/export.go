package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"time"
)

var csvHeader = []string{"occurred_at", "action", "entity", "entity_id", "actor_id", "method", "path", "origin", "reason"}

// WriteCSV renders rows with the request fields of meta flattened into columns.
func WriteCSV(rows []TimelineRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, row := range rows {
		actor := ""
		if row.ActorID != 0 {
			actor = strconv.FormatInt(row.ActorID, 10)
		}
		record := []string{
			row.At.UTC().Format(time.RFC3339),
			row.Action,
			row.Entity,
			row.EntityID,
			actor,
			metaString(row.Meta, "method"),
			metaString(row.Meta, "path"),
			metaString(row.Meta, "origin"),
			metaString(row.Meta, "reason"),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func metaString(meta map[string]any, key string) string {
	switch v := meta[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}
