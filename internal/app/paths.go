package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths stores resolved default file locations for config, track database and logs.
// Directories are created by the components that write into them.
type Paths struct {
	RootDir    string
	ConfigFile string
	StateDir   string
	DBFile     string
	LogFile    string
}

func ResolvePaths() (Paths, error) {
	cfgRoot, err := os.UserConfigDir()
	if err != nil {
		return Paths{}, fmt.Errorf("resolve config dir: %w", err)
	}
	stateRoot, err := userStateDir()
	if err != nil {
		return Paths{}, fmt.Errorf("resolve state dir: %w", err)
	}

	root := filepath.Join(cfgRoot, Name)
	state := filepath.Join(stateRoot, Name)

	return Paths{
		RootDir:    root,
		ConfigFile: filepath.Join(root, ConfigFilename),
		StateDir:   state,
		DBFile:     filepath.Join(state, DBFilename),
		LogFile:    filepath.Join(state, LogFilename),
	}, nil
}

// userStateDir follows XDG_STATE_HOME and falls back to the user cache dir.
func userStateDir() (string, error) {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" && filepath.IsAbs(dir) {
		return dir, nil
	}

	return os.UserCacheDir()
}
