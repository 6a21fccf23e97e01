// Command perfturn replays synthetic voice turns against a running server and
// reports per-stage latency. Point it at a server in mock upstream mode for
// load checks, or at a live one to measure real provider latency.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talevoice/talevoice/internal/protocol"
)

type options struct {
	baseURL        string
	token          string
	personaID      string
	bookID         string
	turns          int
	concurrency    int
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	verbose        bool
}

type turnTiming struct {
	total      time.Duration
	firstDelta time.Duration
	failed     bool
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfturn: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfturn: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var interTurnMS, turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "server base URL")
	flag.StringVar(&cfg.token, "token", "perf-replay", "bearer token identifying the synthetic user")
	flag.StringVar(&cfg.personaID, "persona-id", "narrator", "persona_id used for synthetic turns")
	flag.StringVar(&cfg.bookID, "book-id", "", "optional book_id for synthetic turns")
	flag.IntVar(&cfg.turns, "turns", 10, "turns to replay per worker")
	flag.IntVar(&cfg.concurrency, "concurrency", 1, "parallel websocket connections")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 150, "delay between turns in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for turn_end per turn in milliseconds")
	flag.BoolVar(&cfg.verbose, "verbose", false, "print per-turn progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.concurrency <= 0 || cfg.concurrency > 64 {
		return options{}, fmt.Errorf("concurrency must be in [1,64]")
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	results := make(chan turnTiming, cfg.turns*cfg.concurrency)
	errCh := make(chan error, cfg.concurrency)
	for w := 0; w < cfg.concurrency; w++ {
		go func(worker int) {
			errCh <- replayWorker(ctx, cfg, worker, results)
		}(w)
	}

	var firstErr error
	for w := 0; w < cfg.concurrency; w++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	close(results)

	var timings []turnTiming
	failed := 0
	for t := range results {
		if t.failed {
			failed++
			continue
		}
		timings = append(timings, t)
	}
	printSummary(timings, failed)

	if err := printServerSnapshot(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfturn: server snapshot unavailable: %v\n", err)
	}
	return firstErr
}

func replayWorker(ctx context.Context, cfg options, worker int, results chan<- turnTiming) error {
	wsURL, err := wsEndpoint(cfg.baseURL)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	utterance := base64.StdEncoding.EncodeToString([]byte("synthetic-utterance"))
	for i := 0; i < cfg.turns; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		timing, err := runTurn(conn, cfg, utterance)
		if err != nil {
			return fmt.Errorf("worker %d turn %d: %w", worker, i+1, err)
		}
		results <- timing
		if cfg.verbose {
			fmt.Printf("perfturn: worker=%d turn=%d total=%s first_delta=%s failed=%v\n",
				worker, i+1, timing.total, timing.firstDelta, timing.failed)
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}
	return nil
}

func runTurn(conn *websocket.Conn, cfg options, audioBase64 string) (turnTiming, error) {
	start := time.Now()
	msg := protocol.ClientUtterance{
		Type:        protocol.TypeClientUtterance,
		PersonaID:   cfg.personaID,
		BookID:      cfg.bookID,
		Filename:    "synthetic.m4a",
		AudioBase64: audioBase64,
	}
	if err := conn.WriteJSON(msg); err != nil {
		return turnTiming{}, fmt.Errorf("send utterance: %w", err)
	}

	deadline := time.Now().Add(cfg.turnTimeout)
	var timing turnTiming
	for {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			return turnTiming{}, fmt.Errorf("await turn_end: %w", err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case protocol.TypeReplyDelta:
			if timing.firstDelta == 0 {
				timing.firstDelta = time.Since(start)
			}
		case protocol.TypeErrorEvent:
			timing.failed = true
		case protocol.TypeTurnEnd:
			var end protocol.TurnEnd
			if err := json.Unmarshal(data, &end); err == nil && end.Reason != "completed" {
				timing.failed = true
			}
			timing.total = time.Since(start)
			return timing, nil
		}
	}
}

func wsEndpoint(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	u.Path = "/v1/turn/ws"
	return u.String(), nil
}

func printSummary(timings []turnTiming, failed int) {
	fmt.Printf("perfturn: completed=%d failed=%d\n", len(timings), failed)
	if len(timings) == 0 {
		return
	}

	totals := make([]time.Duration, 0, len(timings))
	var deltas []time.Duration
	for _, t := range timings {
		totals = append(totals, t.total)
		if t.firstDelta > 0 {
			deltas = append(deltas, t.firstDelta)
		}
	}
	fmt.Printf("  turn_total  p50=%s p95=%s max=%s\n", quantile(totals, 0.5), quantile(totals, 0.95), quantile(totals, 1))
	if len(deltas) > 0 {
		fmt.Printf("  first_delta p50=%s p95=%s max=%s\n", quantile(deltas, 0.5), quantile(deltas, 0.95), quantile(deltas, 1))
	}
}

func quantile(ds []time.Duration, q float64) time.Duration {
	sorted := append([]time.Duration(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * q)
	return sorted[idx].Round(time.Millisecond)
}

func printServerSnapshot(ctx context.Context, cfg options) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.token)

	res, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Printf("perfturn: server stage snapshot:\n%s\n", strings.TrimSpace(string(body)))
	return nil
}
