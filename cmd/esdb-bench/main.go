// Command esdb-bench is a smoke-test and micro-benchmark CLI for the
// client: connect to a node, append a batch of events to a stream,
// read them back, and report round-trip latency.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/eventcore/esdbclient-go/esdb"
	"github.com/eventcore/esdbclient-go/wire"
	"github.com/google/uuid"
)

func main() {
	var (
		addr       = flag.String("addr", "localhost:1113", "node address")
		streamID   = flag.String("stream", "esdb-bench", "stream to append to and read back")
		count      = flag.Int("count", 1000, "number of events to append")
		login      = flag.String("login", "", "auth login (empty for none)")
		password   = flag.String("password", "", "auth password")
		insecure   = flag.Bool("insecure-tls", false, "skip TLS certificate verification")
		useTLS     = flag.Bool("tls", false, "connect over TLS")
		commonName = flag.String("tls-common-name", "", "expected certificate common name when -insecure-tls is not set")
		verbosity  = flag.String("log-level", "info", "debug, info, warn, or error")
	)
	flag.Parse()

	log.SetFlags(0)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	settings := esdb.NewSettings().WithEndpoint(*addr)
	settings.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*verbosity)})))
	if *login != "" {
		settings.WithCredentials(*login, *password)
	}
	if *useTLS {
		mode := wire.TLSValidateCommonName
		if *insecure {
			mode = wire.TLSTrustAll
		}
		settings.TLS = wire.TLSSettings{Mode: mode, CertificateCommonName: *commonName}
	}

	client, err := esdb.NewClient(settings)
	if err != nil {
		log.Fatalf("building client: %v", err)
	}
	defer client.Close()

	connectCtx, connectCancel := context.WithTimeout(ctx, settings.ConnectTimeout)
	defer connectCancel()
	if err := client.Connect(connectCtx); err != nil {
		log.Fatalf("connect: %v", err)
	}
	fmt.Printf("connected to %s (phase=%s)\n", *addr, client.Phase())

	if err := runAppendBench(ctx, client, *streamID, *count); err != nil {
		log.Fatalf("append bench: %v", err)
	}
	if err := runReadBench(ctx, client, *streamID, *count); err != nil {
		log.Fatalf("read bench: %v", err)
	}
}

func runAppendBench(ctx context.Context, client *esdb.Client, streamID string, count int) error {
	events := make([]esdb.EventData, count)
	for i := range events {
		events[i] = esdb.EventData{
			EventID:   wire.CorrelationID(uuid.New()),
			EventType: "BenchEvent",
			IsJSON:    true,
			Data:      []byte(fmt.Sprintf(`{"seq":%d}`, i)),
		}
	}

	start := time.Now()
	result, err := client.AppendToStream(streamID, wire.Any, events, nil).AwaitContext(ctx)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	fmt.Printf("appended %d events in %s (%.0f events/sec), nextExpectedVersion=%d\n",
		count, elapsed, float64(count)/elapsed.Seconds(), result.NextExpectedVersion)
	return nil
}

func runReadBench(ctx context.Context, client *esdb.Client, streamID string, count int) error {
	start := time.Now()
	slice, err := client.ReadStream(streamID, 0, count, esdb.Forward, false, nil).AwaitContext(ctx)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	fmt.Printf("read %d events in %s (isEndOfStream=%t)\n", len(slice.Events), elapsed, slice.IsEndOfStream)
	return nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
