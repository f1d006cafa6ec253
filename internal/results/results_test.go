package results

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/probelog/internal/agents"
	"github.com/tinytelemetry/probelog/internal/model"
	"github.com/tinytelemetry/probelog/internal/timestamp"
)

// fakeRecord answers a fixed set of columns and extras.
type fakeRecord struct {
	ts     uint64
	cells  map[string]model.Value
	extras []agents.Extra
}

func (f fakeRecord) Agent() model.Agent         { return "fake" }
func (f fakeRecord) Valid() bool                { return true }
func (f fakeRecord) Recognized() bool           { return true }
func (f fakeRecord) LogTime() timestamp.LogTime { return timestamp.LogTime{} }
func (f fakeRecord) Timestamp() uint64          { return f.ts }
func (f fakeRecord) Extras() []agents.Extra     { return f.extras }

func (f fakeRecord) Value(c string) (model.Value, error) {
	if c == agents.TimestampColumn {
		return model.Uint(f.ts), nil
	}
	v, ok := f.cells[c]
	if !ok {
		return model.Null(), agents.ErrUnknownColumn
	}
	return v, nil
}

func TestBuild_RoundTrip(t *testing.T) {
	t.Parallel()

	records := []fakeRecord{
		{ts: 1, cells: map[string]model.Value{"a": model.Int(10), "b": model.Text("x")}},
		{ts: 2, cells: map[string]model.Value{"a": model.Int(20), "b": model.Null()}},
		{ts: 3, cells: map[string]model.Value{"a": model.Int(30), "b": model.Text("z")}},
	}
	columns := []string{agents.TimestampColumn, "a", "b"}

	table, ok, err := Build("fake", columns, records)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, table.Validate())
	assert.Equal(t, columns, table.ColumnNames())
	assert.Equal(t, len(records), table.Rows())

	for i, r := range records {
		row := table.Row(i)
		for c, name := range columns {
			want, _ := r.Value(name)
			assert.Equal(t, want, row[c], "row %d column %s", i, name)
		}
	}
}

func TestBuild_NoRecordsIsNoTable(t *testing.T) {
	t.Parallel()

	_, ok, err := Build[fakeRecord]("fake", []string{"a"}, nil)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestBuild_UnknownColumn(t *testing.T) {
	t.Parallel()

	records := []fakeRecord{{ts: 1, cells: map[string]model.Value{"a": model.Int(1)}}}
	_, ok, err := Build("fake", []string{"a", "missing"}, records)
	require.Error(t, err)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, agents.ErrUnknownColumn))
}

func TestBuilder_AppendIsAtomic(t *testing.T) {
	t.Parallel()

	b := NewBuilder("fake", []string{"a", "b"}, 0)
	require.NoError(t, b.Append(fakeRecord{cells: map[string]model.Value{"a": model.Int(1), "b": model.Int(2)}}))
	require.Error(t, b.Append(fakeRecord{cells: map[string]model.Value{"a": model.Int(1)}}))
	assert.Equal(t, 1, b.Len())
	assert.NoError(t, b.Table().Validate())
}

func TestBuildDynamic_FirstSeenOrderAndAbsentCells(t *testing.T) {
	t.Parallel()

	records := []fakeRecord{
		{ts: 100, extras: []agents.Extra{{Key: "a", Value: model.Int(1)}, {Key: "b", Value: model.Int(2)}}},
		{ts: 200, extras: []agents.Extra{{Key: "b", Value: model.Int(3)}, {Key: "c", Value: model.Text("x")}}},
	}

	table, ok := BuildDynamic("dyn", records)
	require.True(t, ok)
	require.NoError(t, table.Validate())
	assert.Equal(t, []string{agents.TimestampColumn, "a", "b", "c"}, table.ColumnNames())

	a, _ := table.Column("a")
	c, _ := table.Column("c")
	assert.True(t, a.Values[1].IsNull(), "a is absent on row 2")
	assert.True(t, c.Values[0].IsNull(), "c is absent on row 1")
	assert.Equal(t, model.Int(1), a.Values[0])
	assert.Equal(t, model.Text("x"), c.Values[1])

	ts, _ := table.Column(agents.TimestampColumn)
	assert.Equal(t, []model.Value{model.Uint(100), model.Uint(200)}, ts.Values)
}

func TestBuildDynamic_Empty(t *testing.T) {
	t.Parallel()

	_, ok := BuildDynamic[fakeRecord]("dyn", nil)
	assert.False(t, ok)
}
