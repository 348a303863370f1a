package discovery

import (
	"errors"
	"fmt"
)

// Record is a service record as the peer defines it. The bridge passes
// records through without interpreting them; the accessors only read the
// conventional fields.
type Record map[string]any

func (r Record) Name() string         { return r.str("name") }
func (r Record) Type() string         { return r.str("type") }
func (r Record) Status() string       { return r.str("status") }
func (r Record) Registration() string { return r.str("registration") }

func (r Record) str(key string) string {
	s, _ := r[key].(string)
	return s
}

// ErrNotImplemented is matched by every NotImplementedError.
var ErrNotImplemented = errors.New("discovery: not implemented")

// NotImplementedError is returned by operations the peer protocol has no
// support for.
type NotImplementedError struct {
	Op string
}

func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("discovery: %s is not implemented", e.Op)
}

func (e *NotImplementedError) Is(target error) bool { return target == ErrNotImplemented }

// decodeRecords turns a get-records reply body into records. A connection
// that was already ready at call time is expected to answer with a single
// record and a fresh one with a sequence; either shape is accepted.
func decodeRecords(body any) ([]Record, error) {
	switch v := body.(type) {
	case nil:
		return []Record{}, nil
	case map[string]any:
		return []Record{Record(v)}, nil
	case Record:
		return []Record{v}, nil
	case []any:
		out := make([]Record, 0, len(v))
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("discovery: record %d has type %T, want object", i, item)
			}
			out = append(out, Record(m))
		}
		return out, nil
	case []map[string]any:
		out := make([]Record, 0, len(v))
		for _, m := range v {
			out = append(out, Record(m))
		}
		return out, nil
	case []Record:
		return v, nil
	default:
		return nil, fmt.Errorf("discovery: unexpected records reply of type %T", body)
	}
}
