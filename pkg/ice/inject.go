package ice

import (
	"fmt"
	"net"
	"strings"
)

// vpnCandidatePriority outranks every normally gathered host candidate
// so the overlay path is probed first when present. ICE host candidate
// priorities top out at 2130706431 (type preference 126).
const vpnCandidatePriority = 2130706431

// InjectCandidates appends synthetic high-priority host candidates for
// the given VPN addresses to a session description. Candidate lines are
// inserted immediately after the existing a=candidate lines, or after
// the media (m=) header when the description has none. With no
// addresses the description is returned unchanged.
//
// The description's own line endings are preserved.
func InjectCandidates(sessionDescription string, addrs []net.IP, port int) string {
	if len(addrs) == 0 || port <= 0 {
		return sessionDescription
	}

	eol := "\n"
	if strings.Contains(sessionDescription, "\r\n") {
		eol = "\r\n"
	}
	lines := strings.Split(sessionDescription, eol)

	insertAt := -1
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "a=candidate:"):
			insertAt = i + 1
		case strings.HasPrefix(line, "m=") && insertAt == -1:
			insertAt = i + 1
		}
	}
	if insertAt == -1 {
		// No media section at all; nothing to attach candidates to.
		return sessionDescription
	}

	candidates := make([]string, 0, len(addrs))
	for i, ip := range addrs {
		candidates = append(candidates, fmt.Sprintf(
			"a=candidate:vpn%d 1 udp %d %s %d typ host generation 0",
			i, vpnCandidatePriority-i, ip.String(), port))
	}

	out := make([]string, 0, len(lines)+len(candidates))
	out = append(out, lines[:insertAt]...)
	out = append(out, candidates...)
	out = append(out, lines[insertAt:]...)
	return strings.Join(out, eol)
}
