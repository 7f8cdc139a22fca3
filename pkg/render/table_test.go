package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTable_PlainLaysOutRows(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	out := r.Table([]string{"SESSION", "TITLE"}, [][]string{{"s1", "Pets"}, {"s2", "Plants"}})

	require.NotContains(t, out, "\x1b[")
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	var header, first string
	for _, l := range lines {
		switch {
		case strings.Contains(l, "SESSION"):
			header = l
		case strings.Contains(l, "s1"):
			first = l
		}
	}
	require.Contains(t, header, "TITLE")
	require.Contains(t, first, "Pets")
	require.Contains(t, out, "Plants")
	require.Equal(t, strings.Index(header, "TITLE"), strings.Index(first, "Pets"))
}
