package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	toolName = "strata"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Path to the directory holding persistent build state.
//
//	Linux:   $XDG_CACHE_HOME/strata or ~/.cache/strata
//	macOS:   ~/Library/Caches/strata
func Cache() string {
	return filepath.Join(xdg.CacheHome, toolName)
}

// Default path to the layer store database.
//
//	Linux:   ~/.cache/strata/layers.db
//	macOS:   ~/Library/Caches/strata/layers.db
func LayerStore() string {
	return filepath.Join(Cache(), "layers.db")
}
