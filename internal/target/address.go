// Package target holds the immutable values describing where the relay
// connects and how hard it tries: addresses, resilience profiles and the
// per-host policy choosing between them.
package target

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the default Bedrock server port.
const DefaultPort uint16 = 19132

// ErrInvalidAddress is returned when an address cannot be parsed.
var ErrInvalidAddress = errors.New("invalid address")

// Address is an immutable host/port pair.
type Address struct {
	Host string
	Port uint16
}

// NewAddress creates an Address.
func NewAddress(host string, port uint16) Address {
	return Address{Host: host, Port: port}
}

// ParseAddress parses "host:port" or "host". A missing port defaults to
// DefaultPort. IPv6 hosts must be bracketed when a port is given.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port present
		if strings.Contains(err.Error(), "missing port") {
			return Address{Host: strings.Trim(s, "[]"), Port: DefaultPort}, nil
		}
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if host == "" {
		return Address{}, fmt.Errorf("%w: empty host in %q", ErrInvalidAddress, s)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return Address{}, fmt.Errorf("%w: bad port %q", ErrInvalidAddress, portStr)
	}

	return Address{Host: host, Port: uint16(port)}, nil
}

// String returns the address in host:port form.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a.Host == "" && a.Port == 0
}
