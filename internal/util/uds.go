package util

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

const unixScheme = "unix://"

func EnsureDirExist(dir string) error {
	if stat, err := os.Stat(dir); err == nil {
		if !stat.IsDir() {
			return fmt.Errorf("path exists but is not a directory: %s", dir)
		}
		return nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create dir %s: %w", dir, err)
	}
	return nil
}

// RemoveStaleSocket removes a socket file left behind by a previous process.
// Anything else at path is an error.
func RemoveStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("refusing to remove %s: not a socket", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove path %s: %w", path, err)
	}
	return nil
}

func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Listen opens a TCP listener, or a unix socket listener for addresses of the
// form unix:///path/to.sock. gRPC clients dial the same unix:// target.
func Listen(addr string) (net.Listener, error) {
	path, ok := strings.CutPrefix(addr, unixScheme)
	if !ok {
		return net.Listen("tcp", addr)
	}
	if path == "" {
		return nil, fmt.Errorf("empty socket path in %q", addr)
	}
	if err := EnsureDirExist(filepath.Dir(path)); err != nil {
		return nil, err
	}
	if err := RemoveStaleSocket(path); err != nil {
		return nil, err
	}
	return net.Listen("unix", path)
}
