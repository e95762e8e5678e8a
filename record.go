package idxcas

import (
	"fmt"
	"strconv"

	"github.com/unkn0wn-root/idxcas/backend"
)

// Record is one stored entity. Fields never contains the reserved
// version and index fields.
type Record struct {
	ID         string
	IndexValue int64
	Version    uint64
	Fields     map[string]string
}

// normalizeFields converts proposed values to their stored string form.
func normalizeFields(indexField string, in map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if k == backend.FieldVersion || k == indexField {
			return nil, &FieldError{Field: k, Err: ErrReservedField}
		}
		var s string
		switch v := v.(type) {
		case string:
			s = v
		case int:
			s = strconv.FormatInt(int64(v), 10)
		case int8:
			s = strconv.FormatInt(int64(v), 10)
		case int16:
			s = strconv.FormatInt(int64(v), 10)
		case int32:
			s = strconv.FormatInt(int64(v), 10)
		case int64:
			s = strconv.FormatInt(v, 10)
		case uint:
			s = strconv.FormatUint(uint64(v), 10)
		case uint8:
			s = strconv.FormatUint(uint64(v), 10)
		case uint16:
			s = strconv.FormatUint(uint64(v), 10)
		case uint32:
			s = strconv.FormatUint(uint64(v), 10)
		case uint64:
			s = strconv.FormatUint(v, 10)
		case float32:
			s = strconv.FormatFloat(float64(v), 'g', -1, 32)
		case float64:
			s = strconv.FormatFloat(v, 'g', -1, 64)
		default:
			return nil, &FieldError{Field: k, Err: ErrInvalidField}
		}
		out[k] = s
	}
	return out, nil
}

// decodeRecord builds a Record from its stored form. nil means absent.
func decodeRecord(id, indexField string, stored map[string]string) (*Record, error) {
	if len(stored) == 0 {
		return nil, nil
	}
	version, err := backend.ParseVersion(stored)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrCorruptRecord, id, err)
	}
	value, err := strconv.ParseInt(stored[indexField], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w %s: index field %q: %w", ErrCorruptRecord, id, indexField, err)
	}
	rec := &Record{
		ID:         id,
		IndexValue: value,
		Version:    version,
		Fields:     make(map[string]string, len(stored)),
	}
	for k, v := range stored {
		if k == backend.FieldVersion || k == indexField {
			continue
		}
		rec.Fields[k] = v
	}
	return rec, nil
}
