package common

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPage_UnmarshalsBareArray(t *testing.T) {
	var page Page[int]
	require.NoError(t, json.Unmarshal([]byte(`[1,2,3]`), &page))
	assert.Equal(t, []int{1, 2, 3}, page.Data)
	assert.Nil(t, page.Total)
}

func TestPage_UnmarshalsEnvelope(t *testing.T) {
	var page Page[int]
	require.NoError(t, json.Unmarshal([]byte(`{"total":80,"data":[1,2,3]}`), &page))
	assert.Equal(t, []int{1, 2, 3}, page.Data)
	require.NotNil(t, page.Total)
	assert.Equal(t, int64(80), *page.Total)
}

func TestDone_UsesTotalWhenPresent(t *testing.T) {
	total := int64(80)
	assert.False(t, Done(0, 50, &total))
	assert.True(t, Done(50, 30, &total))
}

func TestDone_FallsBackToShortPage(t *testing.T) {
	assert.True(t, Done(50, 30, nil))
	assert.False(t, Done(0, 50, nil))
}

func TestExtractHost_TopLevelKeys(t *testing.T) {
	host, ok := ExtractHost(map[string]any{"host": "Example.COM."})
	require.True(t, ok)
	assert.Equal(t, "example.com", host)
}

func TestExtractHost_NestedAccount(t *testing.T) {
	host, ok := ExtractHost(map[string]any{
		"account": map[string]any{"host": "peertube.example"},
	})
	require.True(t, ok)
	assert.Equal(t, "peertube.example", host)
}

func TestExtractHost_NoneFound(t *testing.T) {
	_, ok := ExtractHost(map[string]any{"foo": "bar"})
	assert.False(t, ok)
}
