package mcpconn

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedPager replays a fixed page sequence and records the cursors it was
// asked for.
type scriptedPager struct {
	pages   [][]string
	cursors []string
}

func (p *scriptedPager) fetch(_ context.Context, cursor string) ([]string, string, error) {
	p.cursors = append(p.cursors, cursor)
	idx := len(p.cursors) - 1
	if idx >= len(p.pages) {
		return nil, "", errors.New("fetched past final page")
	}
	next := ""
	if idx < len(p.pages)-1 {
		next = "page-" + p.pages[idx+1][0]
	}
	return p.pages[idx], next, nil
}

func TestCollectPagesConcatenatesAllPages(t *testing.T) {
	t.Parallel()
	pager := &scriptedPager{pages: [][]string{{"a", "b"}, {"c"}, {"d", "e"}}}

	got, err := collectPages(context.Background(), pager.fetch)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, got)
	// First fetch has no cursor; each later fetch carries the previous
	// page's cursor; the sweep stops once the cursor is absent.
	assert.Equal(t, []string{"", "page-c", "page-d"}, pager.cursors)
}

func TestCollectPagesSinglePage(t *testing.T) {
	t.Parallel()
	pager := &scriptedPager{pages: [][]string{{"only"}}}

	got, err := collectPages(context.Background(), pager.fetch)
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, got)
	assert.Equal(t, []string{""}, pager.cursors)
}

func TestCollectPagesPropagatesError(t *testing.T) {
	t.Parallel()
	boom := errors.New("backend down")
	calls := 0
	_, err := collectPages(context.Background(), func(context.Context, string) ([]string, string, error) {
		calls++
		if calls == 2 {
			return nil, "", boom
		}
		return []string{"x"}, "more", nil
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}
