package extractor

import (
	"strings"
	"unicode"
)

// LevelDescription is one "<level> <description>" pair found in a row.
type LevelDescription struct {
	Level       string
	Description string
}

// ExtractLevels scans row for level/description pairs: a run of digits,
// whitespace, then the shortest description that is followed either by
// "<space><digits><space>" or by the end of the row. The scan is the
// equivalent of the pattern
//
//	(\d+)\s+(.*?)(?=\s+\d+\s+|$)
//
// with Unicode digits and whitespace. Descriptions never span a newline and
// are returned trimmed; they may be empty. Matching resumes after the end
// of each match, so a digit run inside a description starts a new pair.
func ExtractLevels(row string) []LevelDescription {
	rs := []rune(row)
	var out []LevelDescription
	for pos := 0; pos < len(rs); {
		ld, end, ok := matchLevelAt(rs, pos)
		if !ok {
			pos++
			continue
		}
		out = append(out, ld)
		pos = end
	}
	return out
}

// matchLevelAt tries a match starting exactly at i and returns the pair and
// the end offset of the match.
func matchLevelAt(rs []rune, i int) (LevelDescription, int, bool) {
	n := len(rs)
	if !unicode.IsDigit(rs[i]) {
		return LevelDescription{}, 0, false
	}
	j := i
	for j < n && unicode.IsDigit(rs[j]) {
		j++
	}
	// Shortening the digit run leaves a digit where whitespace is required,
	// so only the full run can match.
	if j >= n || !isSpace(rs[j]) {
		return LevelDescription{}, 0, false
	}
	m := j
	for m < n && isSpace(rs[m]) {
		m++
	}

	// Greedy whitespace first, then give characters back, as a
	// backtracking engine would.
	for ws := m; ws > j; ws-- {
		for e := ws; e <= n; e++ {
			if e > ws && rs[e-1] == '\n' {
				break
			}
			if terminatorAt(rs, e) {
				return LevelDescription{
					Level:       string(rs[i:j]),
					Description: trimSpace(string(rs[ws:e])),
				}, e, true
			}
		}
	}
	return LevelDescription{}, 0, false
}

// terminatorAt reports whether the lookahead (?=\s+\d+\s+|$) holds at p.
func terminatorAt(rs []rune, p int) bool {
	n := len(rs)
	if p == n || (p == n-1 && rs[p] == '\n') {
		return true
	}
	q := p
	for q < n && isSpace(rs[q]) {
		q++
	}
	if q == p {
		return false
	}
	r := q
	for r < n && unicode.IsDigit(rs[r]) {
		r++
	}
	if r == q {
		return false
	}
	return r < n && isSpace(rs[r])
}

// isSpace matches the Unicode whitespace class, including the ASCII
// information separators U+001C..U+001F.
func isSpace(r rune) bool {
	return unicode.IsSpace(r) || (r >= 0x1c && r <= 0x1f)
}

func trimSpace(s string) string {
	return strings.TrimFunc(s, isSpace)
}
