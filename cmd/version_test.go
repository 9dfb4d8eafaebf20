package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/radiantarchive/keybot/keybot"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := keybot.Version
	originalCommitSHA := keybot.CommitSHA
	originalBuildTime := keybot.BuildTime

	t.Cleanup(
		func() {
			keybot.Version = originalVersion
			keybot.CommitSHA = originalCommitSHA
			keybot.BuildTime = originalBuildTime
		},
	)

	keybot.Version = "1.0.0"
	keybot.CommitSHA = "abc123"
	keybot.BuildTime = "2026-09-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", string(out))
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		keybot.Version,
		keybot.CommitSHA,
		keybot.BuildTime,
	)
	assert.Equal(t, expected, output)
}
