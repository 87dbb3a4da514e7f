// ABOUTME: Tests for diff token generation and replay
// ABOUTME: Uses newline-terminated bodies the way chunk values are stored
package textdiff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalcIdentical(t *testing.T) {
	assert.Equal(t, []string{"K2"}, Calc("a\nb\n", "a\nb\n"))
	assert.Empty(t, Calc("", ""))
}

func TestCalcAddOnly(t *testing.T) {
	got := Calc("", "hello\nworld\n")
	assert.Equal(t, []string{"Ahello", "Aworld"}, got)
}

func TestCalcDeleteOnly(t *testing.T) {
	got := Calc("hello\nworld\n", "")
	assert.Equal(t, []string{"D2"}, got)
}

func TestCalcMiddleEdit(t *testing.T) {
	old := "# Notes\none\ntwo\nthree\n"
	new := "# Notes\none\n2\nthree\n"
	got := Calc(old, new)
	assert.Equal(t, []string{"K2", "D1", "A2", "K1"}, got)
}

func TestCalcRunsCollapse(t *testing.T) {
	old := "a\nb\nc\nd\n"
	new := "a\nd\n"
	assert.Equal(t, []string{"K1", "D2", "K1"}, Calc(old, new))
}

func TestCalcDeletesPrecedeAdds(t *testing.T) {
	got := Calc("x\n", "y\n")
	assert.Equal(t, []string{"D1", "Ay"}, got)
}

func TestApplyRoundTrip(t *testing.T) {
	cases := [][2]string{
		{"", ""},
		{"", "a\n"},
		{"a\n", ""},
		{"# Notes\none\ntwo\n", "# Notes\n1\ntwo\nthree\n"},
		{"same\n", "same\n"},
		{"a\nb\nc\n", "c\nb\na\n"},
	}
	for _, tc := range cases {
		tokens := Calc(tc[0], tc[1])
		got, ok := Apply(tc[0], tokens)
		require.True(t, ok, "%q -> %q", tc[0], tc[1])
		assert.Equal(t, tc[1], got, "%q -> %q via %v", tc[0], tc[1], tokens)
	}
}

func TestApplyRejectsMalformed(t *testing.T) {
	_, ok := Apply("a\n", []string{"K2"})
	assert.False(t, ok, "keep beyond the old text")
	_, ok = Apply("a\n", []string{"Kx"})
	assert.False(t, ok)
	_, ok = Apply("a\n", nil)
	assert.False(t, ok, "leftover old lines mean the stream is incomplete")
}
