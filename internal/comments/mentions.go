package comments

import (
	"regexp"
	"strings"
)

const codeFence = "```"

// mentionPattern matches @username where the @ does not follow a word character,
// so e-mail addresses are not mistaken for mentions.
var mentionPattern = regexp.MustCompile(`(^|[^\w@])@([A-Za-z0-9_][A-Za-z0-9_-]*)`)

// ExtractMentions returns the usernames mentioned in raw markdown, in order of first
// appearance and without case-insensitive duplicates. Fenced code blocks and inline
// code spans are skipped.
func ExtractMentions(raw string) []string {
	var usernames []string
	seen := make(map[string]struct{})
	inFence := false

	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		// A fence closed on its own line is an inline span, not a block.
		if strings.HasPrefix(trimmed, codeFence) && (inFence || !strings.Contains(trimmed[len(codeFence):], codeFence)) {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		for _, text := range outsideInlineCode(line) {
			for _, match := range mentionPattern.FindAllStringSubmatch(text, -1) {
				username := strings.TrimRight(match[2], "-")
				key := strings.ToLower(username)
				if key == "" {
					continue
				}
				if _, ok := seen[key]; ok {
					continue
				}
				seen[key] = struct{}{}
				usernames = append(usernames, username)
			}
		}
	}
	return usernames
}

// outsideInlineCode splits a line on backticks and keeps the segments that are not
// inside a closed code span. An unmatched trailing backtick does not open a span.
func outsideInlineCode(line string) []string {
	if !strings.Contains(line, "`") {
		return []string{line}
	}
	parts := strings.Split(line, "`")
	segments := make([]string, 0, len(parts)/2+1)
	for index, part := range parts {
		closed := index < len(parts)-1
		if index%2 == 1 && closed {
			continue
		}
		if index%2 == 1 {
			part = "`" + part
		}
		segments = append(segments, part)
	}
	return segments
}
