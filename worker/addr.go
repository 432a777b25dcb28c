package worker

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// AddressMatcher matches to a range of ips or domains.
// It is used to check whether a peer is allowed to use a worker.
type AddressMatcher interface {
	Match(string) bool
}

// ParseAddressMatcher parses an ip pattern like "10.0.[1-3].*",
// or a domain pattern like "*.imagvfx.com".
func ParseAddressMatcher(s string) (AddressMatcher, error) {
	if s == "" {
		return nil, fmt.Errorf("cannot create an address matcher from empty string")
	}
	if looksLikeIP(s) {
		return parseIPMatcher(s)
	}
	return parseDomainMatcher(s), nil
}

func looksLikeIP(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune("0123456789.*[]-", r) {
			return false
		}
	}
	return true
}

// hostOf removes the port from addr.
func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// IPMatcher matches to an ip or more.
type IPMatcher [4]ipPartMatcher

// ipPartMatcher matches a part of an ip from start to end, inclusive.
type ipPartMatcher struct {
	start, end int
}

func (m ipPartMatcher) match(n int) bool {
	return m.start <= n && n <= m.end
}

// Match reports whether ip matches.
func (m IPMatcher) Match(ip string) bool {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return false
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return false
		}
		if !m[i].match(n) {
			return false
		}
	}
	return true
}

func parseIPPart(p string) (int, error) {
	n, err := strconv.Atoi(p)
	if err != nil {
		return -1, err
	}
	if n < 0 || n >= 256 {
		return -1, fmt.Errorf("an ip part should be 0-255 when it is a number")
	}
	return n, nil
}

// IPv4 only.
func parseIPMatcher(s string) (IPMatcher, error) {
	m := IPMatcher{}
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return m, fmt.Errorf("ip does not consists of 4 parts: %v", s)
	}
	for i, p := range parts {
		if p == "*" {
			m[i] = ipPartMatcher{0, 255}
			continue
		}
		if strings.HasPrefix(p, "[") && strings.HasSuffix(p, "]") {
			start, end, ok := strings.Cut(p[1:len(p)-1], "-")
			if !ok {
				return m, fmt.Errorf("unknown formatting for ip part: %v", p)
			}
			s, err := parseIPPart(start)
			if err != nil {
				return m, err
			}
			e, err := parseIPPart(end)
			if err != nil {
				return m, err
			}
			m[i] = ipPartMatcher{s, e}
			continue
		}
		n, err := parseIPPart(p)
		if err != nil {
			return m, fmt.Errorf("unknown formatting for ip part: %v", p)
		}
		m[i] = ipPartMatcher{n, n}
	}
	return m, nil
}

// DomainMatcher matches to a range of domains.
// A "*" part matches any single part.
type DomainMatcher []string

func parseDomainMatcher(s string) DomainMatcher {
	return DomainMatcher(strings.Split(s, "."))
}

// Match reports whether domain matches.
func (m DomainMatcher) Match(domain string) bool {
	if len(m) == 0 || domain == "" {
		return false
	}
	parts := strings.Split(domain, ".")
	if len(m) != len(parts) {
		return false
	}
	for i, p := range parts {
		if m[i] != "*" && m[i] != p {
			return false
		}
	}
	return true
}
