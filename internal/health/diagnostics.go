package health

import "regexp"

// pattern pairs a regex against recent agent output with a short,
// human-readable label. Order matters: first match wins.
type pattern struct {
	re    *regexp.Regexp
	label string
}

// patternRegistry classifies recent agent output into a short diagnostic
// snippet, so a process_crashed/repeated_errors issue carries a reason
// instead of being silent about why it tripped.
type patternRegistry struct {
	patterns []pattern
}

func newPatternRegistry() *patternRegistry {
	return &patternRegistry{patterns: defaultDiagnosticPatterns()}
}

// Classify returns the label of the first matching pattern, or "" if
// output is empty or matches nothing specific.
func (r *patternRegistry) Classify(output string) string {
	for _, p := range r.patterns {
		if p.re.MatchString(output) {
			return p.label
		}
	}
	return ""
}

func defaultDiagnosticPatterns() []pattern {
	return []pattern{
		{regexp.MustCompile(`(?i)panic:`), "panic"},
		{regexp.MustCompile(`(?i)out of memory|oom`), "out of memory"},
		{regexp.MustCompile(`(?i)segmentation fault|sigsegv`), "segfault"},
		{regexp.MustCompile(`(?i)connection refused|ECONNREFUSED`), "connection refused"},
		{regexp.MustCompile(`(?i)permission denied`), "permission denied"},
		{regexp.MustCompile(`(?i)rate limit`), "rate limited"},
		{regexp.MustCompile(`(?i)timed? ?out`), "timeout"},
	}
}
