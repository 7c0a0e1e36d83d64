package node

import (
	"net"
	"strconv"
	"strings"
)

const defaultNATSPort = "4222"

// NormalizeHostPort reduces addr to host:port. Any scheme and path are
// dropped, a bare port listens on all interfaces and a missing port is
// defPort.
func NormalizeHostPort(addr, defPort string) string {
	addr = strings.TrimSpace(addr)
	if _, rest, ok := strings.Cut(addr, "://"); ok {
		addr = rest
	}
	addr, _, _ = strings.Cut(addr, "/")
	switch {
	case addr == "":
		return ":" + defPort
	case isPort(addr):
		return ":" + addr
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), defPort)
}

func isPort(s string) bool {
	n, err := strconv.Atoi(s)
	return err == nil && n > 0 && n < 65536
}

// NormalizeURL turns each comma separated server of a NATS URL list into
// nats://host:port, keeping tls:// and credentials as given.
func NormalizeURL(urls string) string {
	var out []string
	for _, u := range strings.Split(urls, ",") {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		scheme := "nats://"
		for _, s := range []string{"nats://", "tls://", "ws://", "wss://"} {
			if rest, ok := strings.CutPrefix(u, s); ok {
				scheme, u = s, rest
				break
			}
		}
		host := u
		if at := strings.LastIndex(u, "@"); at >= 0 {
			host = u[at+1:]
		}
		if _, _, err := net.SplitHostPort(host); err != nil {
			u += ":" + defaultNATSPort
		}
		out = append(out, scheme+u)
	}
	return strings.Join(out, ",")
}
