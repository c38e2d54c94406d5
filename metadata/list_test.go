package metadata

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedKeys(ctx context.Context, t *testing.T, s *Store, keys ...string) {
	t.Helper()
	for i, key := range keys {
		_, err := s.Put(ctx, objectRow(key, fmt.Sprintf("blob-%d", i)), nil)
		require.NoError(t, err)
	}
}

func keysOf(entries []ListEntry) []string {
	var keys []string
	for _, e := range entries {
		if e.Object != nil {
			keys = append(keys, e.Object.Key)
		}
	}
	return keys
}

func prefixesOf(entries []ListEntry) []string {
	var prefixes []string
	for _, e := range entries {
		if e.Object == nil {
			prefixes = append(prefixes, e.DelimitedPrefix)
		}
	}
	return prefixes
}

func TestListFlat(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedKeys(ctx, t, s, "b", "a", "c", "aa")

	entries, err := s.List(ctx, &ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "aa", "b", "c"}, keysOf(entries))
	for _, e := range entries {
		assert.Equal(t, e.Object.Key, e.EffectiveKey)
	}
}

func TestListPrefixAndStartAfter(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedKeys(ctx, t, s, "a/1", "a/2", "a/3", "b/1")

	entries, err := s.List(ctx, &ListOptions{Prefix: "a/", StartAfter: "a/1", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"a/2", "a/3"}, keysOf(entries))
}

func TestListLimitWindow(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedKeys(ctx, t, s, "k1", "k2", "k3", "k4", "k5")

	entries, err := s.List(ctx, &ListOptions{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2", "k3"}, keysOf(entries))

	entries, err = s.List(ctx, &ListOptions{StartAfter: "k3", Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"k4", "k5"}, keysOf(entries))
}

// LIKE wildcards in a prefix match only themselves.
func TestListPrefixEscaping(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedKeys(ctx, t, s, "a%b", "axb", "a_b", "a\\b")

	entries, err := s.List(ctx, &ListOptions{Prefix: "a%", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"a%b"}, keysOf(entries))

	entries, err = s.List(ctx, &ListOptions{Prefix: "a_", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"a_b"}, keysOf(entries))

	entries, err = s.List(ctx, &ListOptions{Prefix: "a\\", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"a\\b"}, keysOf(entries))
}

func TestListCaseSensitivePrefix(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedKeys(ctx, t, s, "Abc", "abc")

	entries, err := s.List(ctx, &ListOptions{Prefix: "a", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"abc"}, keysOf(entries))
}

func TestListDelimiter(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedKeys(ctx, t, s, "a/1", "a/2", "b", "c/x/1", "c/x/2")

	entries, err := s.List(ctx, &ListOptions{Delimiter: "/", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keysOf(entries))
	assert.Equal(t, []string{"a/", "c/"}, prefixesOf(entries))

	// A group's effective key is its greatest member, so paginating past
	// the group skips it entirely.
	for _, e := range entries {
		switch e.DelimitedPrefix {
		case "a/":
			assert.Equal(t, "a/2", e.EffectiveKey)
		case "c/":
			assert.Equal(t, "c/x/2", e.EffectiveKey)
		}
	}
}

func TestListDelimiterUnderPrefix(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedKeys(ctx, t, s, "dir/a", "dir/sub/1", "dir/sub/2", "other")

	entries, err := s.List(ctx, &ListOptions{Prefix: "dir/", Delimiter: "/", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"dir/a"}, keysOf(entries))
	assert.Equal(t, []string{"dir/sub/"}, prefixesOf(entries))
}

func TestListDelimiterPagination(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedKeys(ctx, t, s, "a/1", "a/2", "b/1", "c", "d/9")

	entries, err := s.List(ctx, &ListOptions{Delimiter: "/", Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, []string{"a/", "b/"}, prefixesOf(entries))

	// Resume after the last group's effective key.
	entries, err = s.List(ctx, &ListOptions{Delimiter: "/", StartAfter: entries[1].EffectiveKey, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, keysOf(entries))
	assert.Equal(t, []string{"d/"}, prefixesOf(entries))
}

func TestListMultiCharacterDelimiter(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedKeys(ctx, t, s, "x--1", "x--2", "y")

	entries, err := s.List(ctx, &ListOptions{Delimiter: "--", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, keysOf(entries))
	assert.Equal(t, []string{"x--"}, prefixesOf(entries))
}
