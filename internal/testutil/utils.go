package testutil

import (
	"log"
	"net"
	"os"
	"testing"
)

func TestLogger(t *testing.T) *log.Logger {
	logger := log.New(os.Stdout, "[test] ", log.LstdFlags)
	t.Cleanup(func() {
		logger.SetOutput(os.Stderr)
	})
	return logger
}

// LoopbackListener listens on an ephemeral localhost port and closes the
// listener when the test ends.
func LoopbackListener(t *testing.T) net.Listener {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() {
		ln.Close()
	})
	return ln
}
