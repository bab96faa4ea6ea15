package cache

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/syssam/persist/object"
)

// wireRow is the msgpack representation of a row.
type wireRow struct {
	Columns  []string `msgpack:"c"`
	Values   []any    `msgpack:"v"`
	Version  uint64   `msgpack:"ver"`
	Replaces uint64   `msgpack:"rep,omitempty"`
}

// EncodeRow encodes a stored row for a remote cache.
func EncodeRow(row *object.Row) ([]byte, error) {
	w := wireRow{Version: row.Version(), Replaces: row.ReplacesVersion()}
	for c, v := range row.All() {
		if _, ok := v.(*object.Deferred); ok {
			return nil, fmt.Errorf("cache: encode row: column %q holds an unresolved %v", c, v)
		}
		w.Columns = append(w.Columns, c)
		w.Values = append(w.Values, v)
	}
	return msgpack.Marshal(&w)
}

// DecodeRow decodes a row produced by EncodeRow. The returned row is frozen.
func DecodeRow(data []byte) (*object.Row, error) {
	var w wireRow
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("cache: decode row: %w", err)
	}
	if len(w.Columns) != len(w.Values) {
		return nil, fmt.Errorf("cache: decode row: %d columns and %d values", len(w.Columns), len(w.Values))
	}
	row := object.NewRow()
	for i, c := range w.Columns {
		row.Set(c, w.Values[i])
	}
	return row.Stamp(w.Version, w.Replaces), nil
}
