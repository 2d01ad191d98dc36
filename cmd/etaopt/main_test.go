// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunMapsUnclassifiedErrorsToFatal(t *testing.T) {
	exitCode = 0
	rootCmd.SetArgs([]string{"no-such-command"})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		exitCode = 0
	})

	// Errors no handler classified are fatal, never mistakable for the
	// budget-exhausted outcome.
	assert.Equal(t, 3, run())
}
