package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ent0n29/mnemos/internal/protocol"
)

type perfOptions struct {
	baseURL        string
	token          string
	chatID         string
	turns          int
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

type perfEvent struct {
	Type    string `json:"type"`
	ChatID  string `json:"chatId"`
	TurnID  string `json:"turnId"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Content string `json:"content"`
}

type perfResult struct {
	latency time.Duration
	failed  bool
}

var defaultUtterances = []string{
	"Reply in three words: latency bottleneck?",
	"Reply in three words: next optimization?",
	"Reply in three words: architecture summary?",
	"Reply in three words: top risk?",
}

func newPerfCmd() *cobra.Command {
	opts := perfOptions{}
	var textsRaw string
	cmd := &cobra.Command{
		Use:   "perf",
		Short: "Replay synthetic turns over the websocket and report turn-to-reply latency",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.texts = splitTexts(textsRaw)
			if err := opts.validate(); err != nil {
				return err
			}
			results, err := runPerf(cmd.Context(), cmd.OutOrStdout(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), summarize(results))
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:8080", "mnemos base URL")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer credential (see mnemos token)")
	cmd.Flags().StringVar(&opts.chatID, "chat", "", "existing chat id; a new chat is created when empty")
	cmd.Flags().IntVar(&opts.turns, "turns", 10, "number of turns to replay")
	cmd.Flags().DurationVar(&opts.interTurnDelay, "inter-turn", 180*time.Millisecond, "delay between turns")
	cmd.Flags().DurationVar(&opts.turnTimeout, "turn-timeout", 15*time.Second, "timeout waiting for each reply")
	cmd.Flags().StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	cmd.Flags().BoolVar(&opts.verbose, "verbose", true, "print replay progress")
	return cmd
}

func splitTexts(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return append([]string(nil), defaultUtterances...)
	}
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func (o *perfOptions) validate() error {
	o.baseURL = strings.TrimRight(strings.TrimSpace(o.baseURL), "/")
	if o.baseURL == "" {
		return fmt.Errorf("--base-url is required")
	}
	if strings.TrimSpace(o.token) == "" {
		return fmt.Errorf("--token is required")
	}
	if o.turns <= 0 {
		return fmt.Errorf("--turns must be > 0")
	}
	if len(o.texts) == 0 {
		return fmt.Errorf("--texts produced no non-empty utterances")
	}
	if o.turnTimeout < time.Second {
		o.turnTimeout = time.Second
	}
	return nil
}

func runPerf(parent context.Context, out io.Writer, opts perfOptions) ([]perfResult, error) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, 8*time.Minute)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+opts.token)

	chatID := strings.TrimSpace(opts.chatID)
	if chatID == "" {
		var err error
		chatID, err = createChat(ctx, &http.Client{Timeout: 30 * time.Second}, opts.baseURL, header)
		if err != nil {
			return nil, fmt.Errorf("create chat: %w", err)
		}
	}

	wsURL, err := wsURLFor(opts.baseURL)
	if err != nil {
		return nil, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan perfEvent, 32)
	readErr := make(chan error, 1)
	go readLoop(conn, events, readErr)

	if opts.verbose {
		fmt.Fprintf(out, "perf: chat=%s turns=%d\n", chatID, opts.turns)
	}

	results := make([]perfResult, 0, opts.turns)
	for i := 0; i < opts.turns; i++ {
		text := opts.texts[i%len(opts.texts)]
		start := time.Now()
		if err := conn.WriteJSON(protocol.Turn{Type: protocol.TypeTurn, ChatID: chatID, Content: text}); err != nil {
			return results, fmt.Errorf("turn %d send: %w", i+1, err)
		}
		ev, err := awaitOutcome(events, readErr, chatID, opts.turnTimeout)
		if err != nil {
			return results, fmt.Errorf("turn %d: %w", i+1, err)
		}
		res := perfResult{latency: time.Since(start), failed: ev.Type == string(protocol.TypeError)}
		results = append(results, res)
		if opts.verbose {
			if res.failed {
				fmt.Fprintf(out, "perf: turn %d/%d error kind=%s after %s\n", i+1, opts.turns, ev.Kind, res.latency.Round(time.Millisecond))
			} else {
				fmt.Fprintf(out, "perf: turn %d/%d reply after %s\n", i+1, opts.turns, res.latency.Round(time.Millisecond))
			}
		}
		if opts.interTurnDelay > 0 && i < opts.turns-1 {
			time.Sleep(opts.interTurnDelay)
		}
	}
	return results, nil
}

func createChat(ctx context.Context, client *http.Client, baseURL string, header http.Header) (string, error) {
	payload, _ := json.Marshal(map[string]string{"title": "perf replay"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/chats", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header = header.Clone()
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var created struct {
		Chat struct {
			ID string `json:"id"`
		} `json:"chat"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return "", err
	}
	if created.Chat.ID == "" {
		return "", fmt.Errorf("missing chat id in response")
	}
	return created.Chat.ID, nil
}

func wsURLFor(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
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
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/ws"
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- perfEvent, readErr chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}
		var ev perfEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		events <- ev
	}
}

// awaitOutcome waits for the reply or error event of the turn just sent.
func awaitOutcome(events <-chan perfEvent, readErr <-chan error, chatID string, timeout time.Duration) (perfEvent, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-events:
			if ev.Type != string(protocol.TypeReply) && ev.Type != string(protocol.TypeError) {
				continue
			}
			if ev.ChatID != "" && ev.ChatID != chatID {
				continue
			}
			return ev, nil
		case err := <-readErr:
			return perfEvent{}, fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			return perfEvent{}, fmt.Errorf("no reply within %s", timeout)
		}
	}
}

func summarize(results []perfResult) string {
	if len(results) == 0 {
		return "perf: no turns completed"
	}
	latencies := make([]time.Duration, 0, len(results))
	failed := 0
	for _, r := range results {
		if r.failed {
			failed++
			continue
		}
		latencies = append(latencies, r.latency)
	}
	if len(latencies) == 0 {
		return fmt.Sprintf("perf: turns=%d failed=%d", len(results), failed)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	return fmt.Sprintf("perf: turns=%d failed=%d p50=%s p95=%s max=%s",
		len(results), failed,
		percentile(latencies, 0.50).Round(time.Millisecond),
		percentile(latencies, 0.95).Round(time.Millisecond),
		latencies[len(latencies)-1].Round(time.Millisecond),
	)
}

// percentile uses nearest-rank on an ascending slice.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(q*float64(len(sorted))+0.999999) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
