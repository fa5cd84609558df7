package content

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const articlePage = `<!DOCTYPE html>
<html>
<head>
  <title>How Compilers Inline</title>
  <meta property="og:title" content="OG Title"/>
  <meta property="article:published_time" content="2024-06-10T08:00:00Z"/>
  <script>window.tracking = true;</script>
  <style>body { color: red; }</style>
</head>
<body>
  <nav>Home | Archive | About</nav>
  <article>
    <h1>How Compilers Inline</h1>
    <p>Inlining replaces a call site with the body of the callee.</p>
    <p>It unlocks
       further optimization.</p>
  </article>
  <aside>Subscribe to the newsletter!</aside>
  <footer>Copyright 2024</footer>
</body>
</html>`

func TestExtractPrefersArticle(t *testing.T) {
	t.Parallel()

	doc, err := Extract([]byte(articlePage), 20000)
	require.NoError(t, err)

	require.Equal(t, "How Compilers Inline", doc.Title)
	require.Contains(t, doc.Text, "Inlining replaces a call site")
	require.Contains(t, doc.Text, "It unlocks further optimization.",
		"whitespace inside paragraphs is collapsed")
	require.NotContains(t, doc.Text, "Subscribe")
	require.NotContains(t, doc.Text, "window.tracking")
	require.NotContains(t, doc.Text, "Home | Archive")

	require.NotNil(t, doc.PublishedAt)
	require.Equal(t, time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC), *doc.PublishedAt)
}

func TestExtractFallsBackToBody(t *testing.T) {
	t.Parallel()

	page := `<html><head></head><body><p>plain page text</p></body></html>`
	doc, err := Extract([]byte(page), 20000)
	require.NoError(t, err)
	require.Equal(t, "plain page text", doc.Text)
	require.Empty(t, doc.Title)
	require.Nil(t, doc.PublishedAt)
}

func TestExtractOGTitleFallback(t *testing.T) {
	t.Parallel()

	page := `<html><head><meta property="og:title" content="Social Title"/></head>` +
		`<body><main>content here</main></body></html>`
	doc, err := Extract([]byte(page), 20000)
	require.NoError(t, err)
	require.Equal(t, "Social Title", doc.Title)
	require.Equal(t, "content here", doc.Text)
}

func TestExtractCapsLength(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("word ", 1000)
	page := `<html><body><article>` + long + `</article></body></html>`
	doc, err := Extract([]byte(page), 100)
	require.NoError(t, err)
	require.Equal(t, 100, len([]rune(doc.Text)))
}

func TestExtractTimeElementDate(t *testing.T) {
	t.Parallel()

	page := `<html><body><article>` +
		`<time datetime="2024-07-01T12:00:00+02:00">July 1</time>` +
		`<p>dated content</p></article></body></html>`
	doc, err := Extract([]byte(page), 20000)
	require.NoError(t, err)
	require.NotNil(t, doc.PublishedAt)
	require.Equal(t, time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC), *doc.PublishedAt)
}
