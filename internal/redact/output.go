package redact

import "regexp"

// outputPatterns match credential values that must never leave the core in
// command output.
var outputPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9\-]{20,}`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
	regexp.MustCompile(`gsk_[a-zA-Z0-9]{20,}`),
	// Capability tokens (JWT).
	regexp.MustCompile(`eyJ[a-zA-Z0-9_\-]{8,}\.[a-zA-Z0-9_\-]{8,}\.[a-zA-Z0-9_\-]{8,}`),
	regexp.MustCompile(`\b[a-f0-9]{64,}\b`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9\-_.]{20,}`),
	regexp.MustCompile(`(?im)^(?:export )?KALPANA_[A-Z_]*(?:SECRET|TOKEN)[A-Z_]*=.*$`),
}

// Placeholder replaces each secret found in command output.
const Placeholder = "[REDACTED]"

// Output returns output with secrets replaced, and how many were found.
func Output(output string) (string, int) {
	count := 0
	for _, re := range outputPatterns {
		if m := re.FindAllStringIndex(output, -1); len(m) > 0 {
			count += len(m)
			output = re.ReplaceAllString(output, Placeholder)
		}
	}
	return output, count
}
