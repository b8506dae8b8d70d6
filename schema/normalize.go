package schema

import (
	"net"
	"strconv"
	"strings"
	"unicode"
)

// NormalizeHost validates a host name or address and strips IPv6 brackets.
// Ports are not accepted; the endpoints carry their own fixed ports.
func NormalizeHost(host string) (Host, error) {
	trimmed := strings.TrimSpace(host)
	if trimmed == "" {
		return "", ErrInvalidHost
	}
	for _, r := range trimmed {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", ErrInvalidHost
		}
	}
	if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
		trimmed = trimmed[1 : len(trimmed)-1]
		if trimmed == "" {
			return "", ErrInvalidHost
		}
		return Host(trimmed), nil
	}
	if _, _, err := net.SplitHostPort(trimmed); err == nil {
		return "", ErrInvalidHost
	}
	return Host(trimmed), nil
}

// Addr joins the host with a port.
func (h Host) Addr(port int) string {
	return net.JoinHostPort(string(h), strconv.Itoa(port))
}
