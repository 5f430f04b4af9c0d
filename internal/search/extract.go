package search

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/wysh3/searchrelay/internal/faults"
)

// ExtractAnswer pulls the rendered answer text out of a full-page HTML
// snapshot. Selectors are tried in order; the last match wins because the
// newest answer renders below earlier conversation turns.
func ExtractAnswer(html string, selectors []string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", faults.Wrap(faults.KindUnknown, "failed to parse rendered page", err)
	}

	// Chrome ships inline script and style inside the snapshot; drop them so
	// they never leak into the extracted text.
	doc.Find("script, style, noscript").Remove()

	for _, selector := range selectors {
		matches := doc.Find(selector)
		if matches.Length() == 0 {
			continue
		}
		text := normalizeText(matches.Last().Text())
		if text != "" {
			return text, nil
		}
	}
	return "", faults.New(faults.KindUnknown, "no answer content found in rendered page")
}

// normalizeText collapses runs of whitespace and trims each line, keeping
// paragraph breaks.
func normalizeText(raw string) string {
	lines := strings.Split(raw, "\n")
	out := make([]string, 0, len(lines))
	blank := true
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}
