package keystore_test

import (
	"os"
)

// writeFile is a tiny helper so tests read naturally.
func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0600)
}
