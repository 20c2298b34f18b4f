package worker

import (
	"fmt"
	"strconv"
	"strings"
)

// outputLines splits model output into trimmed, non-empty lines.
func outputLines(out string) []string {
	var lines []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// isNone reports whether s is the none sentinel, ignoring case and
// trailing punctuation.
func isNone(s, none string) bool {
	s = strings.TrimRight(strings.TrimSpace(s), ".。!！")
	return s == "" || strings.EqualFold(s, none) || strings.EqualFold(s, "none")
}

// parseIndex converts a 1-based index like "3", "3." or "[3]" to 0-based
// and bounds-checks it against n.
func parseIndex(s string, n int) (int, error) {
	s = strings.Trim(strings.TrimSpace(s), "[]().")
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad index %q", s)
	}
	if i < 1 || i > n {
		return 0, fmt.Errorf("index %d out of range 1..%d", i, n)
	}
	return i - 1, nil
}

// fields splits a "a | b | c" line into exactly n trimmed fields. Missing
// trailing fields are empty; extra '|' stay in the last field.
func fields(line string, n int) ([]string, error) {
	parts := strings.SplitN(line, "|", n)
	if len(parts) < 2 && n > 1 {
		return nil, fmt.Errorf("expected %d '|' separated fields", n)
	}
	out := make([]string, n)
	for i := range out {
		if i < len(parts) {
			out[i] = strings.TrimSpace(parts[i])
		}
	}
	return out, nil
}

// scoreLine parses "<index>: <score>".
func scoreLine(line string, n int) (int, int, error) {
	idx, score, ok := strings.Cut(line, ":")
	if !ok {
		idx, score, ok = strings.Cut(line, "：")
	}
	if !ok {
		return 0, 0, fmt.Errorf("missing ':'")
	}
	i, err := parseIndex(idx, n)
	if err != nil {
		return 0, 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(score))
	if err != nil {
		return 0, 0, fmt.Errorf("bad score %q", score)
	}
	return i, v, nil
}

// bulletLines returns the text of lines starting with "- " or "* ".
func bulletLines(out string) []string {
	var items []string
	for _, l := range outputLines(out) {
		for _, p := range []string{"- ", "* ", "-", "*"} {
			if rest, ok := strings.CutPrefix(l, p); ok {
				if rest = strings.TrimSpace(rest); rest != "" {
					items = append(items, rest)
				}
				break
			}
		}
	}
	return items
}

// keywords splits a comma separated keyword field, accepting full-width
// commas.
func keywords(s string) string {
	s = strings.ReplaceAll(s, "，", ",")
	var kws []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			kws = append(kws, k)
		}
	}
	return strings.Join(kws, ",")
}
