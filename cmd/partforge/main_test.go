package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partforge/internal/history"
)

func TestMatchEntryID(t *testing.T) {
	entries := []history.Entry{
		{ID: "aaa11111-0000-0000-0000-000000000000"},
		{ID: "aab22222-0000-0000-0000-000000000000"},
		{ID: "bbb33333-0000-0000-0000-000000000000"},
	}

	id, err := matchEntryID(entries, "bbb")
	require.NoError(t, err)
	assert.Equal(t, "bbb33333-0000-0000-0000-000000000000", id)

	id, err = matchEntryID(entries, "aab22222-0000-0000-0000-000000000000")
	require.NoError(t, err)
	assert.Equal(t, "aab22222-0000-0000-0000-000000000000", id)

	_, err = matchEntryID(entries, "aa")
	assert.ErrorContains(t, err, "2 history entries match")

	_, err = matchEntryID(entries, "zzz")
	assert.ErrorContains(t, err, "no history entry matches")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a long pro…", truncate("a long prompt about gears", 11))
}
