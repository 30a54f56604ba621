//go:build windows

package instancecomm

import (
	"fmt"
	"net"

	winio "github.com/Microsoft/go-winio"
)

// DefaultEndpoint is the well-known named pipe path.
const DefaultEndpoint = `\\.\pipe\agent-pipe`

// NewListener creates a named pipe listener at path.
func NewListener(path string) (net.Listener, error) {
	lis, err := winio.ListenPipe(path, nil)
	if err != nil {
		return nil, fmt.Errorf("instancecomm: listen pipe %s: %w", path, err)
	}
	return lis, nil
}
