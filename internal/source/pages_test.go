package source

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/carwatch/internal/config"
)

type fakeRenderer struct {
	pages  map[string]string
	calls  []string
	opened bool
	closed bool
}

func (f *fakeRenderer) Open(context.Context) error { f.opened = true; return nil }
func (f *fakeRenderer) Close() error               { f.closed = true; return nil }

func (f *fakeRenderer) Render(_ context.Context, url string) (string, error) {
	f.calls = append(f.calls, url)
	html, ok := f.pages[url]
	if !ok {
		return "", errors.New("navigation failed")
	}
	return html, nil
}

func TestPageSourceReusesFirstPage(t *testing.T) {
	m := config.Model{Name: "Yaris", URLTemplate: "https://example.test/yaris?pg={page}"}
	fixture := readFixture(t, "results.html")
	r := &fakeRenderer{pages: map[string]string{
		m.PageURL(1): fixture,
		m.PageURL(2): "<html><body></body></html>",
	}}
	s := NewPageSource(r, 1000, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, s.Open(ctx))
	assert.True(t, r.opened)

	pages, err := s.TotalPages(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, 14, pages)

	first, err := s.FetchPage(ctx, m, 1)
	require.NoError(t, err)
	assert.Len(t, first, 3)

	second, err := s.FetchPage(ctx, m, 2)
	require.NoError(t, err)
	assert.Empty(t, second)

	assert.Equal(t, []string{m.PageURL(1), m.PageURL(2)}, r.calls, "page 1 is rendered once")

	require.NoError(t, s.Close())
	assert.True(t, r.closed)
}

func TestPageSourceRenderError(t *testing.T) {
	m := config.Model{Name: "Yaris", URLTemplate: "https://example.test/yaris?pg={page}"}
	s := NewPageSource(&fakeRenderer{}, 1000, zerolog.Nop())

	_, err := s.FetchPage(context.Background(), m, 3)
	assert.Error(t, err)
}
