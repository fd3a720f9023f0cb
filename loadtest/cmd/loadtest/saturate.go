package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/quietline/anonchat/loadtest/client"
)

// runSaturate opens many idle connections and holds them until interrupted,
// reporting how many dials succeeded and the connect latency spread.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket URL")
	count := fs.Int("n", 1000, "number of connections")
	rampMs := fs.Int("ramp", 2, "delay between dials in milliseconds")
	_ = fs.Parse(args)

	fmt.Printf("saturate: opening %d connections to %s\n", *count, *url)

	var (
		mu      sync.Mutex
		clients []*client.Client
		failed  int
		total   time.Duration
		slowest time.Duration
	)

	for i := 0; i < *count; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		c, err := client.New(ctx, *url, fmt.Sprintf("sat-user-%d", i))
		cancel()
		if err != nil {
			failed++
			if failed <= 5 {
				fmt.Fprintf(os.Stderr, "dial %d: %v\n", i, err)
			}
			continue
		}

		m := c.GetMetrics()
		mu.Lock()
		clients = append(clients, c)
		total += m.ConnectLatency
		if m.ConnectLatency > slowest {
			slowest = m.ConnectLatency
		}
		mu.Unlock()

		if (i+1)%100 == 0 {
			fmt.Printf("  %d connected (%d failed)\n", i+1-failed, failed)
		}
		time.Sleep(time.Duration(*rampMs) * time.Millisecond)
	}

	ok := len(clients)
	fmt.Printf("saturate: %d/%d connected, %d failed\n", ok, *count, failed)
	if ok > 0 {
		fmt.Printf("  avg connect latency: %s\n", total/time.Duration(ok))
		fmt.Printf("  max connect latency: %s\n", slowest)
	}
	fmt.Println("holding connections; Ctrl-C to release")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	for _, c := range clients {
		_ = c.Close()
	}
	fmt.Println("released")
}
