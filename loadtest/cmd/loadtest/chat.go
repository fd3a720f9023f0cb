package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/quietline/anonchat/loadtest/client"
)

type chatResult struct {
	paired     bool
	pairWait   time.Duration
	relayTimes []time.Duration
	err        error
}

// runChat drives p pairs through the whole lifecycle: both sides send
// find_partner, wait to be paired, exchange messages while timing the
// partner-to-partner relay, then end the chat.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket URL")
	pairs := fs.Int("pairs", 50, "number of chat pairs")
	messages := fs.Int("messages", 10, "messages per side")
	concurrency := fs.Int("c", 10, "pairs running at once")
	_ = fs.Parse(args)

	fmt.Printf("chat: %d pairs, %d messages per side, %d concurrent\n", *pairs, *messages, *concurrency)

	results := make([]chatResult, *pairs)
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	start := time.Now()
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(n int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[n] = runPair(*url, n, *messages)
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	report(results, elapsed)
}

// runPair executes one full pair lifecycle and returns its measurements.
func runPair(url string, n, messages int) chatResult {
	var res chatResult

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	a, err := client.New(ctx, url, fmt.Sprintf("chat-a-%d", n))
	if err != nil {
		res.err = fmt.Errorf("dial a: %w", err)
		return res
	}
	defer a.Close()

	b, err := client.New(ctx, url, fmt.Sprintf("chat-b-%d", n))
	if err != nil {
		res.err = fmt.Errorf("dial b: %w", err)
		return res
	}
	defer b.Close()

	// b echoes every relayed message back on a side channel so a can time
	// the full client -> server -> partner path.
	received := make(chan string, messages*2)
	b.On(client.TypeMessage, func(raw json.RawMessage) {
		var m struct {
			Text string `json:"text"`
		}
		if json.Unmarshal(raw, &m) == nil {
			received <- m.Text
		}
	})

	pairStart := time.Now()
	if err := a.FindPartner(); err != nil {
		res.err = fmt.Errorf("find a: %w", err)
		return res
	}
	if err := b.FindPartner(); err != nil {
		res.err = fmt.Errorf("find b: %w", err)
		return res
	}
	if _, err := a.WaitForSession(ctx); err != nil {
		res.err = fmt.Errorf("pair a: %w", err)
		return res
	}
	if _, err := b.WaitForSession(ctx); err != nil {
		res.err = fmt.Errorf("pair b: %w", err)
		return res
	}
	res.paired = true
	res.pairWait = time.Since(pairStart)

	for i := 0; i < messages; i++ {
		text := fmt.Sprintf("pair-%d msg-%d", n, i)
		sent := time.Now()
		if err := a.SendChat(text, fmt.Sprintf("n-%d-%d", n, i)); err != nil {
			res.err = fmt.Errorf("send %d: %w", i, err)
			return res
		}
		select {
		case got := <-received:
			if got != text {
				res.err = fmt.Errorf("message %d: expected %q, got %q", i, text, got)
				return res
			}
			res.relayTimes = append(res.relayTimes, time.Since(sent))
		case <-ctx.Done():
			res.err = fmt.Errorf("message %d: relay timed out", i)
			return res
		}
	}

	if err := a.EndChat(); err != nil {
		res.err = fmt.Errorf("end: %w", err)
	}
	return res
}

func report(results []chatResult, elapsed time.Duration) {
	var (
		paired, failed int
		relays         []time.Duration
		pairTotal      time.Duration
	)
	for _, r := range results {
		if r.err != nil {
			failed++
			if failed <= 5 {
				fmt.Fprintf(os.Stderr, "pair error: %v\n", r.err)
			}
		}
		if r.paired {
			paired++
			pairTotal += r.pairWait
		}
		relays = append(relays, r.relayTimes...)
	}

	fmt.Printf("chat: finished in %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  pairs ok:     %d/%d (%d failed)\n", paired, len(results), failed)
	if paired > 0 {
		fmt.Printf("  avg pairing:  %s\n", (pairTotal / time.Duration(paired)).Round(time.Microsecond))
	}
	if len(relays) > 0 {
		sort.Slice(relays, func(i, j int) bool { return relays[i] < relays[j] })
		var total time.Duration
		for _, d := range relays {
			total += d
		}
		fmt.Printf("  messages:     %d relayed\n", len(relays))
		fmt.Printf("  relay avg:    %s\n", (total / time.Duration(len(relays))).Round(time.Microsecond))
		fmt.Printf("  relay p50:    %s\n", relays[len(relays)/2].Round(time.Microsecond))
		fmt.Printf("  relay p99:    %s\n", relays[len(relays)*99/100].Round(time.Microsecond))
	}
}
