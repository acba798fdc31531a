// Package activation looks up listeners handed over by systemd socket
// activation.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Systemd passes file descriptors starting at fd 3 (0=stdin, 1=stdout, 2=stderr).
const firstFD = 3

// Listener returns the socket-activated listener registered under name
// (FileDescriptorName= in the .socket unit). When LISTEN_FDNAMES is absent a
// single passed socket is returned regardless of name. It returns nil, nil
// when the process was not socket-activated or no socket matches.
func Listener(name string) (net.Listener, error) {
	n, err := passedFDs()
	if err != nil || n == 0 {
		return nil, err
	}

	index := -1
	names := os.Getenv("LISTEN_FDNAMES")
	if names == "" {
		if n == 1 {
			index = 0
		}
	} else {
		for i, fdName := range strings.Split(names, ":") {
			if fdName == name && i < n {
				index = i
				break
			}
		}
	}
	if index < 0 {
		return nil, nil
	}

	fd := firstFD + index
	file := os.NewFile(uintptr(fd), "systemd-socket-"+name)
	if file == nil {
		return nil, fmt.Errorf("failed to create file for fd %d", fd)
	}
	// net.FileListener dups the descriptor, so the original is closed either way.
	defer func() {
		_ = file.Close()
	}()

	listener, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
	}

	// Unset the environment variables so child processes don't inherit them
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listener, nil
}

// Activated reports whether systemd passed any sockets to this process.
func Activated() bool {
	n, err := passedFDs()
	return err == nil && n > 0
}

// passedFDs returns how many descriptors systemd passed to this process.
func passedFDs() (int, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		// Socket activation is for a different process
		return 0, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}
