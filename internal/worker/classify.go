package worker

import (
	"regexp"
	"strings"
)

// The external tool reports failures and per-page decisions as free text that
// varies by platform and version. Classification is therefore a heuristic
// kept behind small, separately testable functions; a misread here changes
// labeling (Skipped vs Done) or retry strategy, never data integrity.

// FailureClassifier decides whether a raw diagnostic indicates a mount or
// permission problem worth retrying from a staged temp copy.
type FailureClassifier func(inputPath, diagnostic string) bool

var mountFailureMarkers = []string{
	"permission",
	"operation not permitted",
	"read-only file system",
	"access denied",
	"mount",
}

// NewMountFailureClassifier returns a classifier that only fires for inputs
// under one of the given path prefixes (typically /mnt/ and /media/) whose
// diagnostic contains a permission-style marker.
func NewMountFailureClassifier(prefixes []string) FailureClassifier {
	return func(inputPath, diagnostic string) bool {
		matched := false
		for _, prefix := range prefixes {
			if strings.HasPrefix(inputPath, prefix) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
		lowered := strings.ToLower(diagnostic)
		for _, marker := range mountFailureMarkers {
			if strings.Contains(lowered, marker) {
				return true
			}
		}
		return false
	}
}

var hocrPagesPattern = regexp.MustCompile(`Parsing\s+(\d+)\s+pages?\s+with HocrParser`)

// TranscriptStats accumulates skip indicators from the tool's own output
// lines. A run counts as effectively skipped when at least one page was
// skipped and no page went through the hOCR parser.
type TranscriptStats struct {
	SkipPageHits int
	HocrPages    int
}

func (s *TranscriptStats) Observe(line string) {
	lowered := strings.ToLower(line)
	if strings.Contains(lowered, "skipping all processing on this page") {
		s.SkipPageHits++
	}
	if strings.Contains(lowered, "with hocrparser") {
		if m := hocrPagesPattern.FindStringSubmatch(line); m != nil {
			s.HocrPages = atoiSafe(m[1])
		}
	}
}

func (s TranscriptStats) EffectivelySkipped() bool {
	if s.HocrPages > 0 {
		return false
	}
	return s.SkipPageHits > 0
}

func atoiSafe(v string) int {
	n := 0
	for _, ch := range v {
		if ch < '0' || ch > '9' {
			return 0
		}
		n = n*10 + int(ch-'0')
	}
	return n
}

// isDuplicatePluginRegistration detects the GPU plugin being registered both
// automatically and via --plugin, which the tool treats as fatal.
func isDuplicatePluginRegistration(diagnostic string) bool {
	lowered := strings.ToLower(diagnostic)
	return strings.Contains(lowered, "plugin already registered under a different name") &&
		strings.Contains(lowered, "ocrmypdf_easyocr")
}
