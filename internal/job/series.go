package job

import (
	"strings"

	"jobctl/internal/payload"
)

// SeriesIDsFromData reads the per-job series_id option of spec.md §6,
// which may be a single string or a list of strings, normalizing both
// shapes to a slice. An absent or wrong-typed field yields nil.
func SeriesIDsFromData(data any) []string {
	v, ok := payload.DataValue(data, "series_id")
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		ids := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				ids = append(ids, s)
			}
		}
		return ids
	default:
		return nil
	}
}

// joinSeriesIDs renders a slice of series ids into the single string
// stored on the job hash's series_id field.
func joinSeriesIDs(ids []string) string {
	return strings.Join(ids, ",")
}

// splitSeriesIDs is joinSeriesIDs's inverse, used when reloading a job.
func splitSeriesIDs(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
