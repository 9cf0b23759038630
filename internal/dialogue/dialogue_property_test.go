package dialogue

import (
	"testing"

	"pgregory.net/rapid"
)

// TestDialogueStaysBounded exercises the universal property that the
// rolling window never exceeds its configured turn or character bound no
// matter the append sequence, and that the preamble always
// survives trimming.
func TestDialogueStaysBounded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxTurns := rapid.IntRange(1, 8).Draw(rt, "maxTurns")
		maxChars := rapid.IntRange(10, 200).Draw(rt, "maxChars")
		preamble := rapid.StringN(0, 20, -1).Draw(rt, "preamble")

		s := New(preamble, maxTurns, maxChars)

		n := rapid.IntRange(0, 30).Draw(rt, "numAppends")
		for i := 0; i < n; i++ {
			text := rapid.StringN(0, 15, -1).Draw(rt, "text")
			if rapid.Bool().Draw(rt, "isUser") {
				s.AppendUser(text)
			} else {
				s.AppendAssistant(text, rapid.Bool().Draw(rt, "truncated"), rapid.Bool().Draw(rt, "failure"))
			}
		}

		snap := s.Snapshot()
		if len(snap) == 0 || snap[0].Text != preamble {
			rt.Fatalf("preamble must survive trimming, got snapshot %v", snap)
		}
		if len(snap)-1 > maxTurns {
			rt.Fatalf("turn window exceeded bound: got %d, max %d", len(snap)-1, maxTurns)
		}
		// The char bound can only be exceeded when the preamble by itself
		// overflows it: the store drops non-preamble turns all the way down
		// to zero to honor it, but never trims the preamble.
		if len(snap) > 1 && s.Chars() > maxChars && len(snap)-1 > 1 {
			rt.Fatalf("char bound exceeded with room left to trim: chars=%d max=%d turns=%d", s.Chars(), maxChars, len(snap)-1)
		}
	})
}
