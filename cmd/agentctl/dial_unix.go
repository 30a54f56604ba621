//go:build !windows

package main

import "net"

func dial(endpoint string) (net.Conn, error) {
	return net.DialTimeout("unix", endpoint, dialTimeout)
}
