package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func reconstructFrom(ops []Op) string {
	entries := make([]Entry, len(ops))
	for i, op := range ops {
		entries[i] = Entry{Op: op, Seq: uint64(i + 1)}
	}
	return Reconstruct(entries, nil)
}

func TestReconstructInsertThenDelete(t *testing.T) {
	got := reconstructFrom([]Op{
		Insert(0, "hello world"),
		Delete(5, 6),
	})
	require.Equal(t, "hello", got)
}

func TestReconstructMultiByteBoundary(t *testing.T) {
	// In "héllo", é is one code point but two UTF-8 bytes; inserting at
	// code point 2 must land between é and l, not split é's bytes.
	got := reconstructFrom([]Op{
		Insert(0, "héllo"),
		Insert(2, "XX"),
	})
	require.Equal(t, "héXXllo", got)
}

func TestReconstructClampsOutOfRange(t *testing.T) {
	var clamped int
	entries := []Entry{
		{Op: Insert(0, "abc"), Seq: 1},
		{Op: Delete(100, 5), Seq: 2},
		{Op: Insert(999, "Z"), Seq: 3},
	}
	got := Reconstruct(entries, func(Op, string) { clamped++ })
	require.Equal(t, "abcZ", got)
	require.Equal(t, 2, clamped)
}

func TestDiffRoundTrip(t *testing.T) {
	cases := []struct{ old, new string }{
		{"", "hello"},
		{"hello", ""},
		{"hello world", "hello there world"},
		{"hello world", "hello"},
		{"héllo", "héXXllo"},
		{"abc", "abc"},
		{"", ""},
	}
	for _, c := range cases {
		ops := Diff(c.old, c.new)
		entries := []Entry{{Op: Insert(0, c.old), Seq: 1}}
		for i, op := range ops {
			entries = append(entries, Entry{Op: op, Seq: uint64(i + 2)})
		}
		got := Reconstruct(entries, nil)
		require.Equal(t, c.new, got, "old=%q new=%q ops=%v", c.old, c.new, ops)
	}
}

func TestDiffNoOpWhenEqual(t *testing.T) {
	require.Nil(t, Diff("same", "same"))
}

func TestDiffKeepsCommonPrefixSuffix(t *testing.T) {
	ops := Diff("hello world", "hello there world")
	// prefix "hello " and suffix " world" should not be touched.
	for _, op := range ops {
		require.GreaterOrEqual(t, op.Pos, uint64(len("hello ")))
	}
}
