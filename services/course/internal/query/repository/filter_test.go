package repository

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilter_NumbersArgumentsInOrder(t *testing.T) {
	var f filter
	require.Equal(t, "", f.clause())

	f.add("status <> %s", "ARCHIVED")
	f.add("price >= %s", 10)

	require.Equal(t, " WHERE status <> $1 AND price >= $2", f.clause())
	require.Equal(t, []any{"ARCHIVED", 10}, f.args)
}

func TestEscapeLike(t *testing.T) {
	require.Equal(t, `100\% off\_now`, escapeLike("100% off_now"))
	require.Equal(t, `a\\b`, escapeLike(`a\b`))
	require.Equal(t, "python", escapeLike("python"))
}
