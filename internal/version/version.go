// Package version resolves the build's version string for startup
// logging.
package version

import (
	"encoding/json"
	"errors"
	"os"
	"runtime/debug"
)

const fileName = "version.json"

// Info is the parsed contents of a version file.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
}

// FromFile parses a version file. A file without a version field is an
// error so callers fall through to the build-info path.
func FromFile(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, err
	}
	if info.Version == "" {
		return Info{}, errors.New("version file has no version field")
	}
	return info, nil
}

// Resolve prefers version.json in the working directory, then the module
// version stamped into the binary, then "dev".
func Resolve() Info {
	if info, err := FromFile(fileName); err == nil {
		return info
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return Info{Version: bi.Main.Version}
	}
	return Info{Version: "dev"}
}
