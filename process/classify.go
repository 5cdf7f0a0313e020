package process

import "strings"

// Severity buckets a line of child diagnostic output.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityFatal:
		return "fatal"
	default:
		return "info"
	}
}

// DefaultReadyPhrase is printed by the GitLab tool server once it reads stdin.
const DefaultReadyPhrase = "running on stdio"

// fatalPhrases is deliberately short. A benign line classified as fatal takes
// the child down for every caller, so only phrases that reliably precede a
// dead process belong here. Matching is case-insensitive.
var fatalPhrases = []string{
	"cannot find module",
	"err_module_not_found",
	"uncaught exception",
	"fatal error:",
	"segmentation fault",
}

var warningPhrases = []string{
	"deprecationwarning",
	"deprecated",
	"warning:",
}

// Classify maps one stderr line to a Severity.
func Classify(line string) Severity {
	l := strings.ToLower(line)
	for _, p := range fatalPhrases {
		if strings.Contains(l, p) {
			return SeverityFatal
		}
	}
	for _, p := range warningPhrases {
		if strings.Contains(l, p) {
			return SeverityWarning
		}
	}
	return SeverityInfo
}

// IsReadyLine reports whether line announces readiness. extra, when non-empty,
// is accepted in addition to DefaultReadyPhrase.
func IsReadyLine(line, extra string) bool {
	l := strings.ToLower(line)
	if strings.Contains(l, DefaultReadyPhrase) {
		return true
	}
	return extra != "" && strings.Contains(l, strings.ToLower(extra))
}
