package node

import (
	"os"

	"github.com/rs/zerolog/log"
)

// PrepareWorkspace removes whatever exists at path and creates it again as an
// empty directory. The caller must own path exclusively.
func PrepareWorkspace(path string) error {
	if err := validateWorkDir(path); err != nil {
		return ConfigError("prepare workspace", err)
	}
	if _, err := os.Lstat(path); err == nil {
		log.Debug().Str("path", path).Msg("Removing existing workspace")
	}
	if err := os.RemoveAll(path); err != nil {
		return IOError("remove workspace", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return IOError("create workspace", err)
	}
	return nil
}
