package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var answerSelectors = []string{".prose", `[class*="answer"]`}

func TestExtractAnswerUsesLastMatch(t *testing.T) {
	html := `<html><body>
		<div class="prose">First answer, from an earlier turn.</div>
		<div class="prose">Second answer, the current one.</div>
	</body></html>`

	text, err := ExtractAnswer(html, answerSelectors)
	require.NoError(t, err)
	assert.Equal(t, "Second answer, the current one.", text)
}

func TestExtractAnswerFallsThroughSelectors(t *testing.T) {
	html := `<html><body><div class="answer-block">From the fallback selector.</div></body></html>`

	text, err := ExtractAnswer(html, answerSelectors)
	require.NoError(t, err)
	assert.Equal(t, "From the fallback selector.", text)
}

func TestExtractAnswerStripsScriptAndStyle(t *testing.T) {
	html := `<html><body><div class="prose">
		<style>.x { color: red }</style>
		<script>window.__telemetry = 1;</script>
		Visible answer text.
	</div></body></html>`

	text, err := ExtractAnswer(html, answerSelectors)
	require.NoError(t, err)
	assert.Equal(t, "Visible answer text.", text)
	assert.NotContains(t, text, "telemetry")
}

func TestExtractAnswerNormalizesWhitespace(t *testing.T) {
	html := `<html><body><div class="prose">
		Line   one    with   gaps.

		Line two.
	</div></body></html>`

	text, err := ExtractAnswer(html, answerSelectors)
	require.NoError(t, err)
	assert.Equal(t, "Line one with gaps.\n\nLine two.", text)
}

func TestExtractAnswerNoMatchIsAnError(t *testing.T) {
	html := `<html><body><main>nothing recognizable</main></body></html>`

	_, err := ExtractAnswer(html, answerSelectors)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no answer content")
}

func TestExtractAnswerSkipsEmptyMatches(t *testing.T) {
	html := `<html><body>
		<div class="prose">   </div>
		<div class="answer-box">Real content.</div>
	</body></html>`

	text, err := ExtractAnswer(html, answerSelectors)
	require.NoError(t, err)
	assert.Equal(t, "Real content.", text)
}
