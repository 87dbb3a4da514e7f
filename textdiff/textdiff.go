// ABOUTME: Line-level diff between two chunk revisions
// ABOUTME: Emits compact delete/keep/add tokens replayable against the old text
package textdiff

import (
	"strconv"
	"strings"
)

// Calc diffs two texts line by line and returns a token stream: "D<n>"
// drops n lines of the old text, "K<n>" keeps n lines, "A<line>" inserts
// one line. Applying the tokens to old, in order, reproduces new.
//
// Runs of deletes and keeps collapse into a single counted token; every
// added line is carried verbatim. Within a hunk deletes precede adds.
func Calc(oldText, newText string) []string {
	a := splitLines(oldText)
	b := splitLines(newText)
	l := lcsLengths(a, b)

	var out []string
	var run byte
	count := 0
	flush := func() {
		if count > 0 {
			out = append(out, string(run)+strconv.Itoa(count))
			count = 0
		}
	}
	counted := func(op byte) {
		if run != op {
			flush()
			run = op
		}
		count++
	}

	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case i < len(a) && j < len(b) && a[i] == b[j]:
			counted('K')
			i++
			j++
		case i < len(a) && (j == len(b) || l[i+1][j] >= l[i][j+1]):
			counted('D')
			i++
		default:
			flush()
			out = append(out, "A"+b[j])
			j++
		}
	}
	flush()
	return out
}

// Apply replays a token stream over the old text. It is the inverse of
// Calc and exists mostly to validate streams in tests and tooling.
func Apply(oldText string, tokens []string) (string, bool) {
	a := splitLines(oldText)
	var out []string
	for _, tok := range tokens {
		if tok == "" {
			return "", false
		}
		switch tok[0] {
		case 'A':
			out = append(out, tok[1:])
		case 'K', 'D':
			n, err := strconv.Atoi(tok[1:])
			if err != nil || n < 0 || n > len(a) {
				return "", false
			}
			if tok[0] == 'K' {
				out = append(out, a[:n]...)
			}
			a = a[n:]
		default:
			return "", false
		}
	}
	if len(a) > 0 {
		return "", false
	}
	return joinLines(out), true
}

// splitLines splits on newlines without producing a phantom empty line for
// a trailing newline.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	text = strings.TrimSuffix(text, "\n")
	return strings.Split(text, "\n")
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// lcsLengths fills the suffix table: l[i][j] is the length of the longest
// common subsequence of a[i:] and b[j:].
func lcsLengths(a, b []string) [][]int {
	l := make([][]int, len(a)+1)
	for i := range l {
		l[i] = make([]int, len(b)+1)
	}
	for i := len(a) - 1; i >= 0; i-- {
		for j := len(b) - 1; j >= 0; j-- {
			switch {
			case a[i] == b[j]:
				l[i][j] = l[i+1][j+1] + 1
			case l[i+1][j] >= l[i][j+1]:
				l[i][j] = l[i+1][j]
			default:
				l[i][j] = l[i][j+1]
			}
		}
	}
	return l
}
