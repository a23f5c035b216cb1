package utils

import "strings"

// Truncate returns s shortened to at most maxLen runes, appending "..."
// when anything was cut. Rune-based so multi-byte text stays valid.
func Truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// SplitMessage splits long outbound messages into chunks no longer than
// limit runes, preferring natural break points and keeping fenced code
// blocks intact where possible.
func SplitMessage(content string, limit int) []string {
	var messages []string
	runes := []rune(strings.TrimSpace(content))

	for len(runes) > 0 {
		if len(runes) <= limit {
			messages = append(messages, string(runes))
			break
		}

		msgEnd := findLastNewline(runes[:limit], 200)
		if msgEnd <= 0 {
			msgEnd = findLastSpace(runes[:limit], 100)
		}
		if msgEnd <= 0 {
			msgEnd = limit
		}

		// Don't split in the middle of a ``` block if a nearby close exists.
		if openIdx := lastUnclosedCodeBlock(runes[:msgEnd]); openIdx >= 0 {
			extended := limit + 400
			if len(runes) > extended {
				if closeIdx := nextClosingCodeBlock(runes, msgEnd); closeIdx > 0 && closeIdx <= extended {
					msgEnd = closeIdx
				} else {
					msgEnd = findLastNewline(runes[:openIdx], 200)
					if msgEnd <= 0 {
						msgEnd = findLastSpace(runes[:openIdx], 100)
					}
					if msgEnd <= 0 {
						msgEnd = openIdx
					}
				}
			} else {
				msgEnd = len(runes)
			}
		}

		if msgEnd <= 0 {
			msgEnd = limit
		}

		chunk := strings.TrimSpace(string(runes[:msgEnd]))
		if chunk != "" {
			messages = append(messages, chunk)
		}
		runes = []rune(strings.TrimSpace(string(runes[msgEnd:])))
	}

	return messages
}

// lastUnclosedCodeBlock returns the position of the last opening ```
// without a matching close, or -1 when all fences are balanced.
func lastUnclosedCodeBlock(runes []rune) int {
	count := 0
	lastOpenIdx := -1

	for i := 0; i < len(runes); i++ {
		if i+2 < len(runes) && runes[i] == '`' && runes[i+1] == '`' && runes[i+2] == '`' {
			if count%2 == 0 {
				lastOpenIdx = i
			}
			count++
			i += 2
		}
	}

	if count%2 == 1 {
		return lastOpenIdx
	}
	return -1
}

// nextClosingCodeBlock returns the position just past the next ``` at or
// after startIdx, or -1 when none exists.
func nextClosingCodeBlock(runes []rune, startIdx int) int {
	for i := startIdx; i < len(runes); i++ {
		if i+2 < len(runes) && runes[i] == '`' && runes[i+1] == '`' && runes[i+2] == '`' {
			end := i + 3
			if end < len(runes) && runes[end] == '\n' {
				end++
			}
			return end
		}
	}
	return -1
}

func findLastNewline(runes []rune, searchWindow int) int {
	searchStart := len(runes) - searchWindow
	if searchStart < 0 {
		searchStart = 0
	}
	for i := len(runes) - 1; i >= searchStart; i-- {
		if runes[i] == '\n' {
			return i
		}
	}
	return -1
}

func findLastSpace(runes []rune, searchWindow int) int {
	searchStart := len(runes) - searchWindow
	if searchStart < 0 {
		searchStart = 0
	}
	for i := len(runes) - 1; i >= searchStart; i-- {
		if runes[i] == ' ' || runes[i] == '\t' {
			return i
		}
	}
	return -1
}
