package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIndex(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"1", 0, false},
		{" 3. ", 2, false},
		{"[2]", 1, false},
		{"0", 0, true},
		{"4", 0, true},
		{"x", 0, true},
	}
	for _, tt := range tests {
		got, err := parseIndex(tt.in, 3)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestFields(t *testing.T) {
	t.Parallel()
	got, err := fields("2 | likes tea | drink, tea", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "likes tea", "drink, tea"}, got)

	got, err = fields("1 | none", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "none", ""}, got)

	_, err = fields("no separators", 3)
	assert.Error(t, err)
}

func TestScoreLine(t *testing.T) {
	t.Parallel()
	i, v, err := scoreLine("2: 3", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, i)
	assert.Equal(t, 3, v)

	_, _, err = scoreLine("2 3", 2)
	assert.Error(t, err)
	_, _, err = scoreLine("5: 1", 2)
	assert.Error(t, err)
}

func TestBulletsAndNone(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"hobbies", "work"}, bulletLines("Topics:\n- hobbies\n* work\n-\n"))
	assert.True(t, isNone(" None. ", "None"))
	assert.True(t, isNone("无", "无"))
	assert.False(t, isNone("Paris", "None"))
	assert.Equal(t, "tea,drink", keywords(" tea， drink ,"))
}
