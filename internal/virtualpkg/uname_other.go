//go:build !linux

package virtualpkg

import "fmt"

func unameRelease() (string, error) {
	return "", fmt.Errorf("virtualpkg: kernel release probing is linux-only")
}
