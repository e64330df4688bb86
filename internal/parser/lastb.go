package parser

import (
	"net/netip"
	"regexp"
	"strings"
	"time"
)

// timestamp shapes found in btmp output:
//   full:  Mon Jan  5 10:00:00 2026   (lastb -F)
//   short: Mon Jan  5 10:00           (plain lastb, no year, minute resolution)
const (
	fullTimestampPattern  = `[A-Z][a-z]{2}\s+[A-Z][a-z]{2}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2}\s+\d{4}`
	shortTimestampPattern = `[A-Z][a-z]{2}\s+[A-Z][a-z]{2}\s+\d{1,2}\s+\d{2}:\d{2}`

	fullTimestampLayout  = "Mon Jan 2 15:04:05 2006"
	shortTimestampLayout = "Mon Jan 2 15:04"

	maxUsernameLen = 64
)

var skipUsernames = map[string]struct{}{
	"reboot":   {},
	"shutdown": {},
}

var skipMarkers = []string{
	"still logged in",
	"gone - no logout",
}

var skipPrefixes = []string{
	"btmp begins",
	"wtmp begins",
}

// LastbParser extracts failed login attempts from `lastb` output lines.
type LastbParser struct {
	reFullTS  *regexp.Regexp
	reShortTS *regexp.Regexp

	// injectable clock for the year-rollover heuristic
	now func() time.Time
}

// NewLastbParser creates a parser for lastb/btmp formatted lines.
func NewLastbParser() *LastbParser {
	return &LastbParser{
		reFullTS:  regexp.MustCompile(fullTimestampPattern),
		reShortTS: regexp.MustCompile(shortTimestampPattern),
		now:       time.Now,
	}
}

// Parse turns one raw line into an Attempt. A nil return means the line is
// intentionally skipped (blank, footer, reboot marker, active session, or
// unparseable) — skipping is never an error.
func (p *LastbParser) Parse(line string) *Attempt {
	line = strings.TrimRight(line, "\r\n")
	stripped := strings.TrimSpace(line)
	if stripped == "" {
		return nil
	}

	lower := strings.ToLower(stripped)
	for _, prefix := range skipPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return nil
		}
	}
	// Sessions without a known end time have no complete record yet.
	for _, marker := range skipMarkers {
		if strings.Contains(lower, marker) {
			return nil
		}
	}

	// Locate the start timestamp; everything before it is user/terminal/source.
	// Column widths vary across distros, so structural tokens beat fixed offsets.
	tsText, tsStart, full := p.findTimestamp(stripped)
	if tsText == "" {
		return nil
	}

	fields := strings.Fields(stripped[:tsStart])
	if len(fields) < 2 {
		return nil
	}

	username := fields[0]
	if _, skip := skipUsernames[strings.ToLower(username)]; skip {
		return nil
	}
	if len(username) > maxUsernameLen {
		username = username[:maxUsernameLen]
	}

	terminal := fields[1]
	source := ""
	if len(fields) >= 3 {
		source = fields[2]
	}

	ts, ok := p.resolveTimestamp(tsText, full)
	if !ok {
		return nil
	}

	return &Attempt{
		Username:  username,
		Terminal:  terminal,
		Source:    source,
		SourceIP:  extractAddr(source),
		Timestamp: ts,
		Protocol:  inferProtocol(terminal),
		RawLine:   line,
	}
}

// ParseAll parses a full block of lastb output, dropping skipped lines.
func (p *LastbParser) ParseAll(text string) []*Attempt {
	var attempts []*Attempt
	for _, line := range strings.Split(text, "\n") {
		if a := p.Parse(line); a != nil {
			attempts = append(attempts, a)
		}
	}
	return attempts
}

func (p *LastbParser) findTimestamp(s string) (text string, start int, full bool) {
	if loc := p.reFullTS.FindStringIndex(s); loc != nil {
		return s[loc[0]:loc[1]], loc[0], true
	}
	if loc := p.reShortTS.FindStringIndex(s); loc != nil {
		return s[loc[0]:loc[1]], loc[0], false
	}
	return "", 0, false
}

// resolveTimestamp parses a timestamp token in the local timezone. Year-less
// tokens assume the current year; a result in the future is shifted back one
// year (rotated logs from late last year). Best-effort — lastb gives us no
// better signal.
func (p *LastbParser) resolveTimestamp(text string, full bool) (time.Time, bool) {
	normalized := strings.Join(strings.Fields(text), " ")

	if full {
		ts, err := time.ParseInLocation(fullTimestampLayout, normalized, time.Local)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	}

	ts, err := time.ParseInLocation(shortTimestampLayout, normalized, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	now := p.now()
	ts = ts.AddDate(now.Year(), 0, 0)
	if ts.After(now) {
		ts = ts.AddDate(-1, 0, 0)
	}
	return ts, true
}

// extractAddr returns the source token as an address when it is a
// syntactically valid IPv4/IPv6 literal. Hostnames and junk return nil; the
// raw token still survives in Attempt.Source and the raw line.
func extractAddr(source string) *netip.Addr {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil
	}
	// bracketed IPv6, e.g. [2001:db8::1]
	if strings.HasPrefix(source, "[") && strings.HasSuffix(source, "]") {
		source = source[1 : len(source)-1]
	}
	addr, err := netip.ParseAddr(source)
	if err != nil {
		return nil
	}
	addr = addr.WithZone("")
	return &addr
}

// inferProtocol maps terminal naming conventions onto a login channel:
// pseudo-terminals (pts/N, ssh:notty) mean a remote ssh session, physical
// consoles (ttyN) mean a local login.
func inferProtocol(terminal string) Protocol {
	t := strings.ToLower(terminal)
	switch {
	case strings.Contains(t, "ssh"), strings.HasPrefix(t, "pts"):
		return ProtocolSSH
	case strings.HasPrefix(t, "tty"):
		return ProtocolConsole
	default:
		return ProtocolUnknown
	}
}
