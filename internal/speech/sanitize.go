package speech

import (
	"regexp"
	"strings"
)

// unspeakable matches parenthetical asides (full-width and ASCII, single
// line, non-greedy) and the pictograph, dingbat and private-use ranges that
// synthesizers either skip or read out as symbol names.
var unspeakable = regexp.MustCompile(
	`（.*?）|\(.*?\)` +
		`|[\x{2700}-\x{27BF}]` +
		`|[\x{E000}-\x{F8FF}]` +
		`|[\x{1F000}-\x{1F7FF}]` +
		`|[\x{1F910}-\x{1F9FF}]` +
		`|[\x{2011}-\x{26FF}]`,
)

// Sanitize strips text that should not be spoken and trims the result. An
// empty return means there is nothing to say.
func Sanitize(text string) string {
	return strings.TrimSpace(unspeakable.ReplaceAllString(text, ""))
}
