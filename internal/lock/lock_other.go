//go:build !unix

package lock

import "os"

// Non-unix builds rely on the engine mutex only.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
