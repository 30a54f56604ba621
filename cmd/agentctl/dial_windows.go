//go:build windows

package main

import (
	"context"
	"net"

	winio "github.com/Microsoft/go-winio"
)

func dial(endpoint string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	return winio.DialPipeContext(ctx, endpoint)
}
