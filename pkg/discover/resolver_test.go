package discover

import (
	"context"
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

// mockMDNS replays canned entries and closes the channel, matching the
// zeroconf contract of closing entries when browsing finishes.
type mockMDNS struct {
	entries []*zeroconf.ServiceEntry
}

func (m *mockMDNS) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	go func() {
		defer close(entries)
		for _, e := range m.entries {
			entries <- e
		}
	}()
	return nil
}

func entry(instance, sid string, port int, ips ...string) *zeroconf.ServiceEntry {
	e := &zeroconf.ServiceEntry{Port: port}
	e.Instance = instance
	e.Text = []string{"sid=" + sid}
	for _, ip := range ips {
		e.AddrIPv4 = append(e.AddrIPv4, net.ParseIP(ip))
	}
	return e
}

func TestLookup(t *testing.T) {
	tests := []struct {
		name    string
		entries []*zeroconf.ServiceEntry
		want    []string
	}{
		{
			name:    "matching host",
			entries: []*zeroconf.ServiceEntry{entry("ws", "abc123", 8765, "192.168.1.5")},
			want:    []string{"192.168.1.5:8765"},
		},
		{
			name: "foreign session filtered",
			entries: []*zeroconf.ServiceEntry{
				entry("ws", "abc123", 8765, "192.168.1.5"),
				entry("other", "zzz999", 8765, "192.168.1.6"),
			},
			want: []string{"192.168.1.5:8765"},
		},
		{
			name: "loopback and duplicates dropped",
			entries: []*zeroconf.ServiceEntry{
				entry("ws", "abc123", 8765, "127.0.0.1", "192.168.1.5", "192.168.1.5"),
			},
			want: []string{"192.168.1.5:8765"},
		},
		{
			name:    "nothing found",
			entries: nil,
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewResolver(Config{MDNS: &mockMDNS{entries: tt.entries}})
			if err != nil {
				t.Fatalf("NewResolver() error = %v", err)
			}

			got, err := r.Lookup(context.Background(), "abc123")
			if err != nil {
				t.Fatalf("Lookup() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Lookup() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Lookup()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
