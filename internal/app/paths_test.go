package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePaths_ResolvesConfigAndStateDirectories(t *testing.T) {
	configHome := filepath.Join(t.TempDir(), "cfg")
	stateHome := filepath.Join(t.TempDir(), "state")
	t.Setenv("XDG_CONFIG_HOME", configHome)
	t.Setenv("XDG_STATE_HOME", stateHome)

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("resolve paths: %v", err)
	}

	if paths.ConfigFile != filepath.Join(configHome, Name, ConfigFilename) {
		t.Fatalf("unexpected config file: %q", paths.ConfigFile)
	}
	if paths.DBFile != filepath.Join(stateHome, Name, DBFilename) {
		t.Fatalf("unexpected db file: %q", paths.DBFile)
	}
	if paths.LogFile != filepath.Join(stateHome, Name, LogFilename) {
		t.Fatalf("unexpected log file: %q", paths.LogFile)
	}
	if _, err := os.Stat(paths.RootDir); !os.IsNotExist(err) {
		t.Fatalf("expected config dir to be created lazily, stat err=%v", err)
	}
}

func TestResolvePaths_FallsBackToCacheDirWithoutStateHome(t *testing.T) {
	cacheHome := filepath.Join(t.TempDir(), "cache")
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(t.TempDir(), "cfg"))
	t.Setenv("XDG_CACHE_HOME", cacheHome)
	t.Setenv("XDG_STATE_HOME", "relative/path")

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("resolve paths: %v", err)
	}
	if paths.StateDir != filepath.Join(cacheHome, Name) {
		t.Fatalf("unexpected state dir: %q", paths.StateDir)
	}
}
