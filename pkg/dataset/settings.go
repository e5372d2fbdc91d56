package dataset

import (
	"os"
	"path/filepath"

	"github.com/3leaps/viamerun/pkg/platform"
)

// SettingsCurrentVersion is the settings schema version.
const SettingsCurrentVersion = 1

// Settings locate the VIAME install and the user data root.
type Settings struct {
	Version   int    `json:"version" mapstructure:"version"`
	ViamePath string `json:"viamePath" mapstructure:"viame_path"`
	DataPath  string `json:"dataPath" mapstructure:"data_path"`
}

// DefaultSettings returns the standard install location for p and
// ~/VIAME_DATA as the data root.
func DefaultSettings(p platform.Platform) Settings {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Settings{
		Version:   SettingsCurrentVersion,
		ViamePath: p.DefaultViamePath(),
		DataPath:  filepath.Join(home, "VIAME_DATA"),
	}
}
