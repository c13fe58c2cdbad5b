package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	cmd, steps, err := parseCommand([]string{"up"})
	require.NoError(t, err)
	require.Equal(t, "up", cmd)
	require.Zero(t, steps)

	cmd, steps, err = parseCommand([]string{"down"})
	require.NoError(t, err)
	require.Equal(t, "down", cmd)
	require.Equal(t, 1, steps)

	_, steps, err = parseCommand([]string{"down", "3"})
	require.NoError(t, err)
	require.Equal(t, 3, steps)

	for _, bad := range [][]string{nil, {"sideways"}, {"down", "0"}, {"down", "x"}, {"up", "2"}} {
		_, _, err := parseCommand(bad)
		require.Error(t, err, "%v", bad)
	}
}

func TestRunRequiresDatabase(t *testing.T) {
	t.Setenv("LOGMERGE_DATABASE_DSN", "")
	err := run([]string{"up"})
	require.ErrorContains(t, err, "-database")
}
