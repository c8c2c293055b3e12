package benchmarks

import (
	"fmt"
	"strings"
)

// LargePrompt returns a system message, a long multi-paragraph user message
// and an assistant prefix sized to make per-call binding overhead small
// next to tokenization.
func LargePrompt() (system, user, prefix string) {
	bigBlock := strings.Repeat("Lorem ipsum dolor sit amet, consectetur adipiscing elit. Vestibulum vulputate. ", 200)
	system = strings.Repeat("Follow tool schema precisely. ", 100)
	var b strings.Builder
	for i := range 8 {
		fmt.Fprintf(&b, "User block %d: %s\n", i, bigBlock)
	}
	return system, b.String(), "<|channel|>final<|message|>"
}
