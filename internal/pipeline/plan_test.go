package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		spec string
		want []Stage
	}{
		{"a,[b,c|d],e", []Stage{
			{Chains: []Chain{{"a"}}},
			{Chains: []Chain{{"b", "c"}, {"d"}}},
			{Chains: []Chain{{"e"}}},
		}},
		{"[a|b|c]", []Stage{
			{Chains: []Chain{{"a"}, {"b"}, {"c"}}},
		}},
		{" [ a , b ] , [ c | d ] , e ", []Stage{
			{Chains: []Chain{{"a", "b"}}},
			{Chains: []Chain{{"c"}, {"d"}}},
			{Chains: []Chain{{"e"}}},
		}},
		{"a,b", []Stage{
			{Chains: []Chain{{"a"}}},
			{Chains: []Chain{{"b"}}},
		}},
		{"[a||b],,[|],c", []Stage{
			{Chains: []Chain{{"a"}, {"b"}}},
			{Chains: []Chain{{"c"}}},
		}},
		{"", nil},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			p, err := Parse(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Stages)
		})
	}
}

func TestParseStageKinds(t *testing.T) {
	t.Parallel()
	p, err := Parse("a,[b,c|d],e")
	require.NoError(t, err)
	assert.False(t, p.Stages[0].Concurrent())
	assert.True(t, p.Stages[1].Concurrent())
	assert.False(t, p.Stages[2].Concurrent())
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, p.Workers())
	assert.Equal(t, "a,[b,c|d],e", p.String())
}

func TestParseMalformed(t *testing.T) {
	t.Parallel()
	for _, spec := range []string{"[a", "a]", "[a|[b]]", "a|b", "[a]b", "x[a]"} {
		t.Run(spec, func(t *testing.T) {
			_, err := Parse(spec)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestParseDeterministic(t *testing.T) {
	t.Parallel()
	spec := "set_query,[extract_time|retrieve_a|retrieve_b,x],rank,print"
	first, err := Parse(spec)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Parse(spec)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
