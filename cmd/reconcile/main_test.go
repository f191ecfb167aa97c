package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatReport(t *testing.T) {
	require.Equal(t,
		"reconcile: scanned=5 completed=3 compensated=1 failed=0 skipped=1",
		formatReport(5, 3, 1, 0, 1),
	)
}
