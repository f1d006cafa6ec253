package results

import (
	"github.com/tinytelemetry/probelog/internal/agents"
	"github.com/tinytelemetry/probelog/internal/model"
)

// BuildDynamic assembles a sparse table from records whose extra keys vary
// per row. Columns are Timestamp followed by every key in first-seen order;
// a row without a key gets the absent marker. ok is false when there are no
// records.
func BuildDynamic[R agents.Extended](name string, records []R) (model.Table, bool) {
	if len(records) == 0 {
		return model.Table{}, false
	}

	var keys []string
	index := make(map[string]int)
	for _, r := range records {
		for _, e := range r.Extras() {
			if e.Key == agents.TimestampColumn {
				continue
			}
			if _, seen := index[e.Key]; !seen {
				index[e.Key] = len(keys)
				keys = append(keys, e.Key)
			}
		}
	}

	columns := make([]model.Column, len(keys)+1)
	columns[0] = model.Column{Name: agents.TimestampColumn, Values: make([]model.Value, len(records))}
	for i, k := range keys {
		columns[i+1] = model.Column{Name: k, Values: make([]model.Value, len(records))}
	}

	for row, r := range records {
		columns[0].Values[row] = model.Uint(r.Timestamp())
		for _, e := range r.Extras() {
			if i, ok := index[e.Key]; ok {
				columns[i+1].Values[row] = e.Value
			}
		}
	}
	return model.Table{Name: name, Columns: columns}, true
}
