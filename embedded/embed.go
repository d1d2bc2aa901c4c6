package embedded

import (
	_ "embed"
)

//go:embed profile.yaml
var profile []byte

// Profile returns the default device profile in YAML.
func Profile() []byte {
	return profile
}
