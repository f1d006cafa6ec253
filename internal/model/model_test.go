package model

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueAbsentIsDistinctFromZero(t *testing.T) {
	t.Parallel()

	assert.True(t, Null().IsNull())
	assert.False(t, Int(0).IsNull())
	assert.False(t, Float(0).Equal(Null()))
	assert.Equal(t, "", Null().String())
	assert.Nil(t, Null().Any())

	_, ok := Null().Number()
	assert.False(t, ok)
	n, ok := Bool(true).Number()
	assert.True(t, ok)
	assert.Equal(t, 1.0, n)
}

func TestValueJSONKeepsKinds(t *testing.T) {
	t.Parallel()

	in := []Value{
		Null(), Bool(true), Int(-3), Uint(math.MaxUint64), Float(12.5), Float(math.NaN()), Text("LTE"),
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out []Value
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out, len(in))
	for i := range in {
		assert.Truef(t, in[i].Equal(out[i]), "value %d: got %v (%s), want %v (%s)",
			i, out[i], out[i].Kind(), in[i], in[i].Kind())
	}
}

func TestTableValidate(t *testing.T) {
	t.Parallel()

	ok := Table{Name: "t", Columns: []Column{
		{Name: "a", Values: []Value{Int(1), Int(2)}},
		{Name: "b", Values: []Value{Null(), Text("x")}},
	}}
	require.NoError(t, ok.Validate())
	assert.Equal(t, 2, ok.Rows())
	assert.Equal(t, []string{"a", "b"}, ok.ColumnNames())
	assert.Equal(t, []Value{Int(2), Text("x")}, ok.Row(1))

	ragged := Table{Name: "t", Columns: []Column{
		{Name: "a", Values: []Value{Int(1)}},
		{Name: "b", Values: nil},
	}}
	assert.Error(t, ragged.Validate())

	dup := Table{Name: "t", Columns: []Column{{Name: "a"}, {Name: "a"}}}
	assert.Error(t, dup.Validate())
}

func TestSessionDefaults(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	ping := Session{Agent: AgentPing, Start: start}.WithDefaults()
	assert.Equal(t, DefaultLogcatThreshold, ping.Threshold)
	assert.Equal(t, start.Add(-15*time.Second), ping.WindowStart())

	exo := Session{Agent: AgentExoplayer, Start: start}.WithDefaults()
	assert.Equal(t, start.Add(-25*time.Second), exo.WindowStart())

	iperf := Session{Agent: AgentIPerf, Start: start, Threshold: time.Second}.WithDefaults()
	assert.Equal(t, 1, iperf.Parallel)
	assert.Equal(t, RoleClient, iperf.Role)
	assert.Equal(t, time.Second, iperf.Threshold)

	unknown := Session{Agent: AgentPing}.WithDefaults()
	assert.True(t, unknown.WindowStart().IsZero())

	zero := Session{Agent: AgentExoplayer, Start: start}
	zero.SetThreshold(0)
	zero = zero.WithDefaults()
	assert.Equal(t, time.Duration(0), zero.Threshold)
	assert.Equal(t, start, zero.WindowStart())
}

func TestParseAgent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Agent
	}{
		{"ping", AgentPing},
		{" Resources ", AgentResources},
		{"throughput", AgentIPerf},
		{"playback", AgentExoplayer},
	}
	for _, tt := range tests {
		got, err := ParseAgent(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseAgent("dns")
	assert.Error(t, err)
}
