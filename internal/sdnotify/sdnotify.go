// Package sdnotify sends sd_notify messages to systemd over NOTIFY_SOCKET.
// Outside systemd every call is a no-op.
package sdnotify

import (
	"net"
	"os"
	"strings"
)

// Ready reports startup complete, with an optional status line.
func Ready(status string) error {
	if status == "" {
		return Notify("READY=1")
	}
	return Notify("READY=1", "STATUS="+status)
}

// Stopping reports that shutdown has begun.
func Stopping() error {
	return Notify("STOPPING=1")
}

// Status sets the line shown by systemctl status.
func Status(msg string) error {
	return Notify("STATUS=" + msg)
}

// Enabled reports whether a notify socket is configured.
func Enabled() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}

// Notify sends the given assignments as one datagram.
func Notify(assignments ...string) error {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return nil
	}
	// abstract namespace sockets are advertised with a leading '@'
	if strings.HasPrefix(socketPath, "@") {
		socketPath = "\x00" + socketPath[1:]
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: socketPath, Net: "unixgram"})
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Write([]byte(strings.Join(assignments, "\n")))
	return err
}
