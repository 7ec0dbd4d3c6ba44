package ice

import (
	"net"
	"strings"
	"testing"
)

const sdpWithCandidates = "v=0\r\n" +
	"o=- 123 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=candidate:1 1 udp 2122260223 10.0.0.2 51000 typ host generation 0\r\n" +
	"a=candidate:2 1 udp 1686052607 203.0.113.9 51000 typ srflx generation 0\r\n" +
	"a=setup:actpass\r\n"

const sdpNoCandidates = "v=0\n" +
	"o=- 123 2 IN IP4 127.0.0.1\n" +
	"s=-\n" +
	"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\n" +
	"c=IN IP4 0.0.0.0\n" +
	"a=setup:actpass\n"

func TestInjectCandidatesAfterExisting(t *testing.T) {
	addrs := []net.IP{net.ParseIP("100.64.12.3"), net.ParseIP("100.100.1.1")}

	got := InjectCandidates(sdpWithCandidates, addrs, 51000)
	lines := strings.Split(got, "\r\n")

	var idx []int
	for i, line := range lines {
		if strings.HasPrefix(line, "a=candidate:vpn") {
			idx = append(idx, i)
		}
	}
	if len(idx) != 2 {
		t.Fatalf("injected %d candidate lines, want 2:\n%s", len(idx), got)
	}

	// Injected lines sit immediately after the last existing candidate.
	if !strings.HasPrefix(lines[idx[0]-1], "a=candidate:2 ") {
		t.Errorf("first injected line not after existing candidates:\n%s", got)
	}
	if !strings.Contains(lines[idx[0]], "100.64.12.3 51000 typ host") {
		t.Errorf("injected line malformed: %q", lines[idx[0]])
	}

	// Original content survives intact.
	if !strings.Contains(got, "a=setup:actpass") || !strings.HasPrefix(got, "v=0") {
		t.Error("original description was damaged")
	}
}

func TestInjectCandidatesAfterMediaHeader(t *testing.T) {
	got := InjectCandidates(sdpNoCandidates, []net.IP{net.ParseIP("100.64.0.9")}, 8766)
	lines := strings.Split(got, "\n")

	for i, line := range lines {
		if strings.HasPrefix(line, "a=candidate:vpn0") {
			if !strings.HasPrefix(lines[i-1], "m=") {
				t.Errorf("injected line not directly after media header:\n%s", got)
			}
			return
		}
	}
	t.Fatalf("no injected candidate found:\n%s", got)
}

func TestInjectCandidatesNoOp(t *testing.T) {
	if got := InjectCandidates(sdpWithCandidates, nil, 51000); got != sdpWithCandidates {
		t.Error("no addresses must leave the description unchanged")
	}
	if got := InjectCandidates("v=0\ns=-\n", []net.IP{net.ParseIP("100.64.0.9")}, 8766); got != "v=0\ns=-\n" {
		t.Error("description without media section must be unchanged")
	}
}

func TestListVPNAddresses(t *testing.T) {
	lister := func() ([]NetInterface, error) {
		return []NetInterface{
			{Name: "eth0", Up: true, Addrs: []net.IP{net.ParseIP("192.168.1.4")}},
			{Name: "tailscale0", Up: true, Addrs: []net.IP{net.ParseIP("100.64.12.3"), net.ParseIP("fd7a::1")}},
			{Name: "wg0", Up: false, Addrs: []net.IP{net.ParseIP("10.8.0.2")}},
			{Name: "lo", Up: true, Addrs: []net.IP{net.ParseIP("127.0.0.1")}},
			{Name: "utun3", Up: true, Addrs: []net.IP{net.ParseIP("100.100.1.1")}},
		}, nil
	}

	addrs, err := ListVPNAddresses(lister)
	if err != nil {
		t.Fatalf("ListVPNAddresses() error = %v", err)
	}

	want := []string{"100.64.12.3", "100.100.1.1"}
	if len(addrs) != len(want) {
		t.Fatalf("ListVPNAddresses() = %v, want %v", addrs, want)
	}
	for i := range addrs {
		if addrs[i].String() != want[i] {
			t.Errorf("addr[%d] = %s, want %s", i, addrs[i], want[i])
		}
	}
}
