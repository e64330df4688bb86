package parser

import (
	"net/netip"
	"time"
)

// Protocol is the login channel inferred from the terminal name.
type Protocol string

const (
	ProtocolSSH     Protocol = "ssh"
	ProtocolConsole Protocol = "console"
	ProtocolUnknown Protocol = "unknown"
)

// Attempt is one failed authentication event extracted from a btmp line.
type Attempt struct {
	Username  string
	Terminal  string
	Source    string // raw source token: IP, hostname, or empty for console logins
	SourceIP  *netip.Addr
	Timestamp time.Time
	Protocol  Protocol
	RawLine   string
}

// HasSource reports whether the attempt carries a usable source address.
func (a *Attempt) HasSource() bool {
	return a.SourceIP != nil
}
