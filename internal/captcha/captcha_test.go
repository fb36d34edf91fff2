package captcha

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tailsec/crowdsec-http-bouncer/internal/cache"
)

type stubGenerator struct {
	phrase string
	calls  int
}

func (g *stubGenerator) Generate() (string, string, error) {
	g.calls++
	return g.phrase, "data:image/png;base64,stub", nil
}

func newMachine(t *testing.T, gen Generator) *Machine {
	t.Helper()

	store, err := cache.NewFS(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewMachine(store, gen, 24*time.Hour, zaptest.NewLogger(t))
}

func getRequest(referer string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "http://example.com/page", nil)
	if referer != "" {
		r.Header.Set("Referer", referer)
	}

	return r
}

func postRequest(form url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "http://example.com/page", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return r
}

func TestFirstContactArmsChallenge(t *testing.T) {
	gen := &stubGenerator{phrase: "abcd"}
	m := newMachine(t, gen)

	res, err := m.Handle(context.Background(), "1.2.3.4", getRequest("http://example.com/origin"))
	require.NoError(t, err)
	assert.Equal(t, ActionChallenge, res.Action)
	require.NotNil(t, res.State)
	assert.True(t, res.State.HasToBeResolved)
	assert.Equal(t, "abcd", res.State.Phrase)
	assert.Equal(t, "http://example.com/origin", res.State.ResolutionRedirect)
}

func TestArmDefaultsRedirectToRoot(t *testing.T) {
	m := newMachine(t, &stubGenerator{phrase: "abcd"})

	res, err := m.Handle(context.Background(), "1.2.3.4", getRequest(""))
	require.NoError(t, err)
	assert.Equal(t, "/", res.State.ResolutionRedirect)
}

func TestGetReRendersCurrentChallenge(t *testing.T) {
	ctx := context.Background()
	gen := &stubGenerator{phrase: "abcd"}
	m := newMachine(t, gen)

	_, err := m.Handle(ctx, "1.2.3.4", getRequest(""))
	require.NoError(t, err)

	res, err := m.Handle(ctx, "1.2.3.4", getRequest(""))
	require.NoError(t, err)
	assert.Equal(t, ActionChallenge, res.Action)
	assert.Equal(t, 1, gen.calls)
}

func TestRefreshRegeneratesPhrase(t *testing.T) {
	ctx := context.Background()
	gen := &stubGenerator{phrase: "abcd"}
	m := newMachine(t, gen)

	_, err := m.Handle(ctx, "1.2.3.4", getRequest(""))
	require.NoError(t, err)

	gen.phrase = "wxyz"
	res, err := m.Handle(ctx, "1.2.3.4", postRequest(url.Values{"refresh": []string{"1"}}))
	require.NoError(t, err)
	assert.Equal(t, ActionChallenge, res.Action)
	assert.Equal(t, "wxyz", res.State.Phrase)
	assert.False(t, res.State.ResolutionFailed)
	assert.Equal(t, 2, gen.calls)
}

func TestCorrectPhraseResolves(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t, &stubGenerator{phrase: "abcd"})

	_, err := m.Handle(ctx, "1.2.3.4", getRequest("http://example.com/origin"))
	require.NoError(t, err)

	res, err := m.Handle(ctx, "1.2.3.4", postRequest(url.Values{"phrase": []string{"abcd"}}))
	require.NoError(t, err)
	assert.Equal(t, ActionRedirect, res.Action)
	assert.Equal(t, "http://example.com/origin", res.RedirectTo)

	// the resolved state persists; the user is not re-challenged
	res, err = m.Handle(ctx, "1.2.3.4", getRequest(""))
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, res.Action)
}

func TestWrongPhraseFailsButKeepsChallenge(t *testing.T) {
	ctx := context.Background()
	gen := &stubGenerator{phrase: "abcd"}
	m := newMachine(t, gen)

	_, err := m.Handle(ctx, "1.2.3.4", getRequest(""))
	require.NoError(t, err)

	res, err := m.Handle(ctx, "1.2.3.4", postRequest(url.Values{"phrase": []string{"nope"}}))
	require.NoError(t, err)
	assert.Equal(t, ActionChallenge, res.Action)
	assert.True(t, res.State.ResolutionFailed)
	assert.Equal(t, "abcd", res.State.Phrase)

	// the original phrase still resolves after a failure
	res, err = m.Handle(ctx, "1.2.3.4", postRequest(url.Values{"phrase": []string{"abcd"}}))
	require.NoError(t, err)
	assert.Equal(t, ActionRedirect, res.Action)
}

func TestMatchIsLenient(t *testing.T) {
	tests := []struct {
		want, got string
		match     bool
	}{
		{"abcd", "ABCD", true},
		{"ab0d", "abod", true},
		{"ab1d", "abld", true},
		{"o0o0", "0o0o", true},
		{"abcd", " abcd ", true},
		{"abcd", "abce", false},
		{"abcd", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.match, Match(tt.want, tt.got), "%q vs %q", tt.want, tt.got)
	}
}

func TestGeneratorProducesInlineImage(t *testing.T) {
	gen := NewGenerator()

	phrase, image, err := gen.Generate()
	require.NoError(t, err)
	assert.Len(t, phrase, phraseLength)
	assert.True(t, strings.HasPrefix(image, "data:image/png;base64,"))
}
