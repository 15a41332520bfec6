package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/marketchat/relay/internal/protocol"
	"github.com/marketchat/relay/loadtest/client"
	"github.com/marketchat/relay/loadtest/stats"
)

type benchOptions struct {
	url      string
	pairs    int
	messages int
	interval time.Duration
	timeout  time.Duration
}

// bench: customer/vendor pairs exchanging messages through a running relay.
func benchCmd() *cobra.Command {
	opts := benchOptions{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Load test a running relay (messages are persisted like real traffic)",
		Args:  cobra.NoArgs,
		// The store is not touched.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.pairs < 1 || opts.messages < 1 {
				return fmt.Errorf("--pairs and --messages must be positive")
			}
			collector := stats.NewCollector()
			runBench(cmd.Context(), opts, collector)
			collector.Report(cmd.OutOrStdout())
			if _, _, _, errs := collector.Counts(); errs > 0 {
				return fmt.Errorf("%d errors during bench", errs)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "ws://localhost:8080/ws", "relay WebSocket URL")
	cmd.Flags().IntVar(&opts.pairs, "pairs", 10, "number of sender/receiver pairs")
	cmd.Flags().IntVar(&opts.messages, "messages", 20, "messages per pair")
	cmd.Flags().DurationVar(&opts.interval, "interval", 50*time.Millisecond, "delay between sends")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall deadline")
	return cmd
}

func runBench(ctx context.Context, opts benchOptions, collector *stats.Collector) {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < opts.pairs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := runPair(ctx, opts, i, collector); err != nil {
				collector.AddError()
			}
		}(i)
	}
	wg.Wait()
}

// participant is one registered connection in a bench pair.
type participant struct {
	*client.Client
	registered chan struct{}
}

func join(ctx context.Context, url, identity string, collector *stats.Collector, handlers map[string]func(json.RawMessage)) (*participant, error) {
	c, err := client.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	p := &participant{Client: c, registered: make(chan struct{})}
	var once sync.Once
	c.On(protocol.TypeRegistered, func(json.RawMessage) { once.Do(func() { close(p.registered) }) })
	c.On(protocol.TypeError, func(json.RawMessage) { collector.AddError() })
	for t, h := range handlers {
		c.On(t, h)
	}
	c.Start()

	if _, err := c.WaitForSession(ctx); err != nil {
		c.Close()
		return nil, err
	}
	collector.AddConnect(c.Metrics().ConnectLatency)
	if err := c.Register(identity); err != nil {
		c.Close()
		return nil, err
	}
	select {
	case <-p.registered:
		return p, nil
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

func runPair(ctx context.Context, opts benchOptions, i int, collector *stats.Collector) error {
	receiverID := fmt.Sprintf("bench-vendor-%d", i)
	senderID := fmt.Sprintf("bench-customer-%d", i)

	var mu sync.Mutex
	sentAt := make(map[string]time.Time, opts.messages)
	delivered := make(chan struct{}, opts.messages)

	elapsed := func(raw json.RawMessage, record func(time.Duration)) {
		var m struct {
			Message protocol.ChatMessage `json:"message"`
		}
		if json.Unmarshal(raw, &m) != nil {
			return
		}
		mu.Lock()
		start, ok := sentAt[m.Message.Body]
		mu.Unlock()
		if ok {
			record(time.Since(start))
		}
	}

	receiver, err := join(ctx, opts.url, receiverID, collector, map[string]func(json.RawMessage){
		protocol.TypeReceiveMessage: func(raw json.RawMessage) {
			elapsed(raw, collector.AddDelivered)
			delivered <- struct{}{}
		},
	})
	if err != nil {
		return err
	}
	defer receiver.Close()

	sender, err := join(ctx, opts.url, senderID, collector, map[string]func(json.RawMessage){
		protocol.TypeMessageSaved: func(raw json.RawMessage) { elapsed(raw, collector.AddSaved) },
	})
	if err != nil {
		return err
	}
	defer sender.Close()

	for j := 0; j < opts.messages; j++ {
		body := fmt.Sprintf("bench %d/%d", i, j)
		mu.Lock()
		sentAt[body] = time.Now()
		mu.Unlock()
		if err := sender.SendMessage(senderID, receiverID, body); err != nil {
			return err
		}
		select {
		case <-time.After(opts.interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for j := 0; j < opts.messages; j++ {
		select {
		case <-delivered:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
