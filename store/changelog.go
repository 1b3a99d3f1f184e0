package store

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	ErrInvalidEntry      = errors.New("invalid change log entry")
	ErrMissingKey        = errors.New("row is missing a primary key column")
	ErrInvalidIdentifier = errors.New("invalid sql identifier")
	ErrUnknownTable      = errors.New("unknown table")
)

type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Row is a full column image of a single table row.
type Row map[string]any

// Table identifies a tracked table and its primary key columns, in key order.
type Table struct {
	Name string
	Key  []string
}

// Version stamps a row image with the logical time and instance that
// originally wrote it. It is assigned once and copied unchanged by every
// instance that relays the change.
type Version struct {
	Time   int64  `json:"time"`
	Origin string `json:"origin"`
}

// Compare orders versions by time, then by origin id.
func (v Version) Compare(o Version) int {
	switch {
	case v.Time < o.Time:
		return -1
	case v.Time > o.Time:
		return 1
	case v.Origin < o.Origin:
		return -1
	case v.Origin > o.Origin:
		return 1
	}
	return 0
}

func (v Version) After(o Version) bool {
	return v.Compare(o) > 0
}

func (v Version) IsZero() bool {
	return v.Time == 0 && v.Origin == ""
}

func (v Version) String() string {
	return fmt.Sprintf("%d@%s", v.Time, v.Origin)
}

// Entry is one immutable record in an instance's change log.
type Entry struct {
	// LogicalTime is the position of the entry in the local log. Cursors
	// are expressed in this domain.
	LogicalTime int64     `json:"logicalTime"`
	Table       string    `json:"table"`
	Op          Operation `json:"op"`
	Key         string    `json:"key"`
	Before      Row       `json:"before,omitempty"`
	After       Row       `json:"after,omitempty"`
	Version     Version   `json:"version"`
}

// Validate checks that the populated images agree with the operation.
func (e Entry) Validate() error {
	if e.Table == "" || e.Key == "" {
		return fmt.Errorf("%w: table and key are required", ErrInvalidEntry)
	}
	if e.Version.Origin == "" || e.Version.Time <= 0 {
		return fmt.Errorf("%w: missing version stamp", ErrInvalidEntry)
	}
	switch e.Op {
	case OpInsert:
		if e.Before != nil || e.After == nil {
			return fmt.Errorf("%w: insert must carry only an after image", ErrInvalidEntry)
		}
	case OpUpdate:
		if e.Before == nil || e.After == nil {
			return fmt.Errorf("%w: update must carry both images", ErrInvalidEntry)
		}
	case OpDelete:
		if e.Before == nil || e.After != nil {
			return fmt.Errorf("%w: delete must carry only a before image", ErrInvalidEntry)
		}
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidEntry, e.Op)
	}
	return nil
}

// Image returns the after image, or the before image for a tombstone.
func (e Entry) Image() Row {
	if e.After != nil {
		return e.After
	}
	return e.Before
}

func (e Entry) IsTombstone() bool {
	return e.Op == OpDelete
}

// KeyState is the last version applied for a primary key. When Deleted is
// set the version is a tombstone watermark.
type KeyState struct {
	Version Version
	Deleted bool
}

// KeyValues extracts the primary key values of row in key column order.
func (t Table) KeyValues(row Row) ([]any, error) {
	key := make([]any, len(t.Key))
	for i, col := range t.Key {
		v, ok := row[col]
		if !ok || v == nil {
			return nil, fmt.Errorf("%w: %s.%s", ErrMissingKey, t.Name, col)
		}
		key[i] = NormalizeValue(v)
	}
	return key, nil
}

// EncodeKey renders key values as a canonical string used to match rows
// across instances.
func EncodeKey(key []any) (string, error) {
	normalized := make([]any, len(key))
	for i, v := range key {
		normalized[i] = encodeValue(NormalizeValue(v))
	}
	b, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("failed to encode key: %w", err)
	}
	return string(b), nil
}

// NormalizeValue maps driver and JSON values onto the small set of types
// row images are compared and stored with.
func NormalizeValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
		return float64(x)
	case float32:
		return float64(x)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x)
		}
		return x
	case []byte:
		return append([]byte{}, x...)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case map[string]any:
		return NormalizeRow(x)
	case Row:
		return NormalizeRow(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = NormalizeValue(x[i])
		}
		return out
	}
	return v
}

func NormalizeRow(row map[string]any) Row {
	if row == nil {
		return nil
	}
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = NormalizeValue(v)
	}
	return out
}

// Binary values, and strings that are not valid UTF-8 or hold NUL, are
// encoded as single key objects holding base64.
// An object that already looks like a tag is wrapped in objectTag.
const (
	bytesTag  = "$bytes"
	stringTag = "$str"
	objectTag = "$obj"
)

func encodeValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return map[string]any{bytesTag: base64.StdEncoding.EncodeToString(x)}
	case string:
		if !utf8.ValidString(x) || strings.ContainsRune(x, 0) {
			return map[string]any{stringTag: base64.StdEncoding.EncodeToString([]byte(x))}
		}
	case Row:
		return encodeObject(x)
	case map[string]any:
		return encodeObject(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = encodeValue(x[i])
		}
		return out
	}
	return v
}

func encodeObject(m map[string]any) map[string]any {
	out := encodeRow(m)
	if len(m) == 1 {
		for k := range m {
			if k == bytesTag || k == stringTag || k == objectTag {
				return map[string]any{objectTag: out}
			}
		}
	}
	return out
}

func encodeRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = encodeValue(v)
	}
	return out
}

func decodeValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		if len(x) == 1 {
			if tagged, ok := decodeTagged(x); ok {
				return tagged
			}
		}
		return decodeObject(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = decodeValue(x[i])
		}
		return out
	}
	return v
}

func decodeObject(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = decodeValue(v)
	}
	return out
}

func decodeTagged(m map[string]any) (any, bool) {
	for tag, v := range m {
		if tag == objectTag {
			inner, ok := v.(map[string]any)
			if !ok {
				return nil, false
			}
			return decodeObject(inner), true
		}
		s, ok := v.(string)
		if !ok || (tag != bytesTag && tag != stringTag) {
			return nil, false
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, false
		}
		if tag == stringTag {
			return string(b), true
		}
		return b, true
	}
	return nil, false
}

// MarshalJSON encodes the image losslessly, including binary column values.
func (r Row) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	return json.Marshal(encodeRow(r))
}

func (r *Row) UnmarshalJSON(data []byte) error {
	row, err := UnmarshalRow(data)
	if err != nil {
		return err
	}
	*r = row
	return nil
}

// ValuesEqual compares two normalized values by their encoded form.
func ValuesEqual(a, b any) bool {
	ab, errA := json.Marshal(encodeValue(NormalizeValue(a)))
	bb, errB := json.Marshal(encodeValue(NormalizeValue(b)))
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// RowsEqual reports whether two images carry the same columns and values.
func RowsEqual(a, b Row) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !ValuesEqual(av, bv) {
			return false
		}
	}
	return true
}

func MarshalRow(row Row) ([]byte, error) {
	if row == nil {
		return nil, nil
	}
	return json.Marshal(row)
}

func UnmarshalRow(data []byte) (Row, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var row map[string]any
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("failed to decode row image: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	return NormalizeRow(decodeObject(row)), nil
}

// Columns returns the row's column names in sorted order.
func (r Row) Columns() []string {
	cols := make([]string, 0, len(r))
	for k := range r {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// Merge returns a copy of r with the columns of changes applied on top.
func (r Row) Merge(changes Row) Row {
	out := make(Row, len(r)+len(changes))
	for k, v := range r {
		out[k] = v
	}
	for k, v := range changes {
		out[k] = NormalizeValue(v)
	}
	return out
}

// EntryColumns is the column list ScanEntry expects, in order.
const EntryColumns = "logical_time, table_name, op, row_key, before_image, after_image, origin, origin_time"

// ScanEntry reads one change log row through a driver Scan function.
func ScanEntry(scan func(dest ...any) error) (Entry, error) {
	var (
		e             Entry
		op            string
		before, after []byte
	)
	if err := scan(&e.LogicalTime, &e.Table, &op, &e.Key, &before, &after, &e.Version.Origin, &e.Version.Time); err != nil {
		return Entry{}, fmt.Errorf("failed to scan change log entry: %w", err)
	}
	e.Op = Operation(op)
	var err error
	if e.Before, err = UnmarshalRow(before); err != nil {
		return Entry{}, err
	}
	if e.After, err = UnmarshalRow(after); err != nil {
		return Entry{}, err
	}
	return e, nil
}
