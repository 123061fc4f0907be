//go:build !unix

package server

import "syscall"

func setSocketOptions(network, address string, c syscall.RawConn) error {
	return nil
}
