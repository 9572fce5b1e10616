package cmd

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// defaultAddr binds locally; deployments behind a reverse proxy pass an
// explicit address.
const defaultAddr = "127.0.0.1:3400"

// parseServeAddr reads the server address from the command line, accepting
// both forms:
//
//	porter serve :8080
//	porter serve --addr :8080
func parseServeAddr() (string, error) {
	serveFlags := flag.NewFlagSet("serve", flag.ContinueOnError)
	serveFlags.SetOutput(os.Stderr)
	addr := serveFlags.String("addr", defaultAddr, "server address (host:port)")

	args := []string{}
	if len(os.Args) > 2 {
		args = os.Args[2:]
	}

	// Positional form: first non-flag argument wins.
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return validateAddr(args[0])
	}

	if err := serveFlags.Parse(args); err != nil {
		return "", fmt.Errorf("parsing serve flags: %w", err)
	}
	return validateAddr(*addr)
}

// validateAddr checks the host:port shape without resolving anything.
func validateAddr(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", fmt.Errorf("invalid port in address %q", addr)
	}
	// An empty host means all interfaces; anything else must be a name or
	// literal, which SplitHostPort already shaped.
	_ = host
	return addr, nil
}
