package workspace

import (
	"fmt"
	"strconv"
	"strings"
)

// applyUnifiedDiff applies a unified diff to original and returns the
// patched content. Context lines must match exactly; a mismatch aborts
// without partial application.
func applyUnifiedDiff(original, diff string) (string, error) {
	src := strings.Split(original, "\n")
	var out []string
	srcIdx := 0

	lines := strings.Split(diff, "\n")
	i := 0
	for i < len(lines) {
		line := lines[i]
		if !strings.HasPrefix(line, "@@") {
			// File headers (---/+++) and any leading noise are skipped.
			i++
			continue
		}

		oldStart, err := parseHunkHeader(line)
		if err != nil {
			return "", err
		}
		// Hunk line numbers are 1-based; 0 means an insert into an empty file.
		target := oldStart - 1
		if target < 0 {
			target = 0
		}
		if target < srcIdx {
			return "", fmt.Errorf("hunk at line %d overlaps a previous hunk", oldStart)
		}
		if target > len(src) {
			return "", fmt.Errorf("hunk at line %d is beyond end of file (%d lines)", oldStart, len(src))
		}
		out = append(out, src[srcIdx:target]...)
		srcIdx = target

		i++
		for i < len(lines) {
			hl := lines[i]
			if strings.HasPrefix(hl, "@@") {
				break
			}
			switch {
			case hl == "" && i == len(lines)-1:
				// Trailing newline in the diff text itself.
			case strings.HasPrefix(hl, " "):
				if srcIdx >= len(src) || src[srcIdx] != hl[1:] {
					return "", fmt.Errorf("context mismatch at source line %d", srcIdx+1)
				}
				out = append(out, src[srcIdx])
				srcIdx++
			case strings.HasPrefix(hl, "-"):
				if srcIdx >= len(src) || src[srcIdx] != hl[1:] {
					return "", fmt.Errorf("removal mismatch at source line %d", srcIdx+1)
				}
				srcIdx++
			case strings.HasPrefix(hl, "+"):
				out = append(out, hl[1:])
			case strings.HasPrefix(hl, `\`):
				// "\ No newline at end of file"
			default:
				return "", fmt.Errorf("malformed hunk line %q", hl)
			}
			i++
		}
	}

	out = append(out, src[srcIdx:]...)
	return strings.Join(out, "\n"), nil
}

// parseHunkHeader extracts the old-file start line from a "@@ -l,c +l,c @@"
// header.
func parseHunkHeader(line string) (int, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 || !strings.HasPrefix(fields[1], "-") {
		return 0, fmt.Errorf("malformed hunk header %q", line)
	}
	spec := strings.TrimPrefix(fields[1], "-")
	if idx := strings.Index(spec, ","); idx >= 0 {
		spec = spec[:idx]
	}
	start, err := strconv.Atoi(spec)
	if err != nil {
		return 0, fmt.Errorf("malformed hunk header %q: %w", line, err)
	}
	return start, nil
}
