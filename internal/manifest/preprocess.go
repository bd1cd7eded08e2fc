package manifest

import (
	"regexp"
	"strings"

	"github.com/deploykit/deployd/internal/derrors"
)

// tokenPattern matches substitution tokens like {Stamp}. JSON object
// braces never match because object keys are quoted.
var tokenPattern = regexp.MustCompile(`\{[A-Za-z][A-Za-z0-9_]*\}`)

// Preprocess substitutes host parameters into the raw configuration
// text. The transformation is purely textual and deterministic:
// identical inputs yield identical outputs. A token left unresolved
// after substitution is malformed.
func Preprocess(raw string, params HostParameters) (string, error) {
	pairs := []string{
		"{Stamp}", params.Stamp,
		"{Machine}", params.Machine,
		"{Ring}", params.Ring,
		"{Environment}", params.Environment,
		"{ConfigurationId}", params.ConfigurationID,
	}
	for key, value := range params.Properties {
		pairs = append(pairs, "{"+key+"}", value)
	}

	processed := strings.NewReplacer(pairs...).Replace(raw)

	if leftover := tokenPattern.FindString(processed); leftover != "" {
		return "", derrors.New(derrors.KindMalformed, "unresolved preprocessor token %q", leftover)
	}

	return processed, nil
}
