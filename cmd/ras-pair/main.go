// ras-pair pairs this machine with a host from a scanned QR payload.
//
// It runs a single pairing attempt: the QR string is parsed, a
// connection is established (direct first, relay fallback), the mutual
// handshake runs, and the resulting device credentials are persisted.
//
// Usage:
//
//	ras-pair -qr <payload> [options]
//
// Options:
//
//	-qr      QR payload string (required)
//	-store   Path for persistent credentials (default: in-memory)
//	-ntfy    Relay server URL (default: https://ntfy.sh)
//	-timeout Overall pairing timeout (default: 60s)
//	-v       Verbose logging
//
// Example:
//
//	ras-pair -qr 'RAS:1:...' -store ~/.ras/credentials.json
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/pion/logging"

	"github.com/hostbridge/ras/pkg/ras"
)

func main() {
	qr := flag.String("qr", "", "QR payload string (required)")
	store := flag.String("store", "", "path for persistent credentials")
	ntfyURL := flag.String("ntfy", "", "relay server URL")
	timeout := flag.Duration("timeout", 60*time.Second, "overall pairing timeout")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	if *qr == "" {
		flag.Usage()
		log.Fatal("missing required -qr flag")
	}

	config := ras.Config{
		StorePath:     *store,
		NtfyServerURL: *ntfyURL,
	}
	if *verbose {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	client, err := ras.NewClient(config)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result, err := client.Pair(ctx, *qr)
	if err != nil {
		log.Fatalf("Pairing failed: %v", err)
	}

	log.Printf("Paired with device %s", result.DeviceID)
}
