package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	videos := filepath.Join(dir, "videos")
	require.NoError(t, os.MkdirAll(videos, 0o755))
	cfg := fmt.Sprintf(`
log:
  level: warn
store:
  driver: sqlite
  path: %s
paths:
  videos_dir: %s
  uploaded_dir: %s
  titles_file: %s
tiktok:
  enabled: false
instagram:
  enabled: true
`, filepath.Join(dir, "uploader.db"), videos, filepath.Join(dir, "uploaded"), filepath.Join(dir, "titles.txt"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path, videos
}

func run(args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandsRegistered(t *testing.T) {
	cmd := newRootCmd()
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "upload", "batch"})
}

func TestBatchPlansPendingVideos(t *testing.T) {
	cfgPath, videos := writeConfig(t)
	for _, name := range []string{"a.mp4", "b.mp4", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(videos, name), []byte("x"), 0o644))
	}

	out, err := run("batch", "--config", cfgPath, "--platform", "instagram", "--max-videos", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "planned 2 task(s) for instagram")

	// The same videos are already queued, so a second batch plans nothing.
	out, err = run("batch", "--config", cfgPath, "--platform", "instagram", "--max-videos", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "planned 0 task(s)")
}

func TestUploadFailsUnlessCompleted(t *testing.T) {
	cfgPath, videos := writeConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(videos, "clip.mp4"), []byte("x"), 0o644))

	out, err := run("upload", "clip.mp4", "--config", cfgPath, "--platform", "instagram")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(out, "submitted "), out)
	assert.Contains(t, err.Error(), "failed")
}

func TestUploadRejectsBadPriority(t *testing.T) {
	_, err := run("upload", "clip.mp4", "--priority", "asap")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown priority")
}
