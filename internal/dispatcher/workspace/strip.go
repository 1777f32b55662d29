package workspace

import "strings"

// StripModelLine removes the model key from a markdown document's YAML front
// matter. Slash commands carry their own model pin which must not leak into
// the executor's command files. Block scalar values (|, >) and their indented
// continuation lines are removed along with the key. Documents without front
// matter pass through untouched.
func StripModelLine(content string) string {
	// A UTF-8 BOM would hide the front matter delimiter.
	body := strings.TrimPrefix(content, "\ufeff")

	if !strings.HasPrefix(body, "---") {
		return content
	}
	lines := strings.Split(body, "\n")
	if strings.TrimRight(lines[0], " \t\r") != "---" {
		return content
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		trimmed := strings.TrimRight(lines[i], " \t\r")
		if trimmed == "---" || trimmed == "..." {
			end = i
			break
		}
	}
	if end == -1 {
		return content
	}

	out := make([]string, 0, len(lines))
	out = append(out, lines[0])
	skipBlock := false
	for i := 1; i < end; i++ {
		line := lines[i]
		if skipBlock {
			// Continuation lines of a block scalar are indented or blank.
			if strings.TrimSpace(line) == "" || isIndented(line) {
				continue
			}
			skipBlock = false
		}
		if key, value, ok := splitFrontMatterKey(line); ok && strings.EqualFold(key, "model") {
			trimmedValue := strings.TrimSpace(value)
			if trimmedValue == "" || strings.HasPrefix(trimmedValue, "|") || strings.HasPrefix(trimmedValue, ">") {
				skipBlock = true
			}
			continue
		}
		out = append(out, line)
	}
	out = append(out, lines[end:]...)
	return strings.Join(out, "\n")
}

func isIndented(line string) bool {
	return strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")
}

// splitFrontMatterKey splits a top-level "key: value" front matter line.
// Indented lines are continuations, not keys.
func splitFrontMatterKey(line string) (key, value string, ok bool) {
	if isIndented(line) {
		return "", "", false
	}
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), line[idx+1:], true
}
