package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func htmlServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExtractArticleElement(t *testing.T) {
	srv := htmlServer(t, `<html><body>
<nav>menu | links</nav>
<article><p>Bitcoin rallied  sharply</p><p>on Tuesday.</p></article>
</body></html>`)

	e := NewExtractor(srv.Client())
	text, err := e.Extract(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Bitcoin rallied sharplyon Tuesday.", text)
}

func TestExtractPostContentFallback(t *testing.T) {
	srv := htmlServer(t, `<html><body>
<div class="post-content">Ethereum | upgrade   shipped.</div>
</body></html>`)

	e := NewExtractor(srv.Client())
	text, err := e.Extract(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Ethereum upgrade shipped.", text)
	assert.NotContains(t, text, "|")
}

func TestExtractNoContent(t *testing.T) {
	srv := htmlServer(t, `<html><body><div>nothing structured</div></body></html>`)

	e := NewExtractor(srv.Client())
	_, err := e.Extract(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestExtractBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	e := NewExtractor(srv.Client())
	_, err := e.Extract(context.Background(), srv.URL)
	require.Error(t, err)
}
