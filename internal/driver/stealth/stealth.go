// Package stealth builds the fingerprint-evasion script injected into every
// new page before any navigation. The spoofed properties must be in place
// before the first page script runs, which is why the driver registers the
// result with AddScriptToEvaluateOnNewDocument rather than Evaluate.
package stealth

import (
	_ "embed"
	"encoding/json"
	"strings"
)

//go:embed evasions.js
var evasionsJS string

// Persona is the identity presented to automation checks.
type Persona struct {
	UserAgent string
	Platform  string
	Languages []string
}

// Evasions renders the injection script for the given persona. Placeholders
// are substituted with JSON-encoded values so arbitrary strings stay safe.
func Evasions(p Persona) string {
	if p.Platform == "" {
		p.Platform = "Win32"
	}
	if len(p.Languages) == 0 {
		p.Languages = []string{"en-US", "en"}
	}
	platform, _ := json.Marshal(p.Platform)
	languages, _ := json.Marshal(p.Languages)
	userAgent, _ := json.Marshal(p.UserAgent)

	r := strings.NewReplacer(
		"__PLATFORM__", string(platform),
		"__LANGUAGES__", string(languages),
		"__USER_AGENT__", string(userAgent),
	)
	return r.Replace(evasionsJS)
}
