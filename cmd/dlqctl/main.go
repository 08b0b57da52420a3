package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"

	"github.com/overtonx/pricewatch"
	"github.com/overtonx/pricewatch/internal/app"
)

const usage = `usage: dlqctl <command> [flags]

commands:
  status             print the number of messages in the dead-letter queue
  inspect [-n N]     print up to N dead letters without removing them
  purge -yes         delete every dead letter
  replay -yes        republish every dead letter to the price broadcast
`

var errUsage = errors.New("invalid usage")

func main() {
	rt, err := app.New("dlqctl")
	if err != nil {
		fmt.Fprintf(os.Stderr, "dlqctl: %v\n", err)
		os.Exit(1)
	}
	defer rt.Logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	topology := rt.Config.Topology.Bus()
	client := rt.Client()
	defer client.Close()

	if err := client.Declare(ctx, topology.DeclareDeadLetter); err != nil {
		rt.Logger.Fatal("Failed to declare dead-letter queue", zap.Error(err))
	}

	ops := pricewatch.NewDeadLetterOps(client,
		pricewatch.WithDeadLetterOpsLogger(rt.Logger),
		pricewatch.WithDeadLetterOpsMetrics(rt.Metrics),
		pricewatch.WithTopology(topology),
	)

	if err := run(ctx, ops, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "dlqctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, ops *pricewatch.DeadLetterOps, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	limit := fs.Int("n", 10, "number of messages to inspect")
	yes := fs.Bool("yes", false, "confirm a destructive command")
	if err := fs.Parse(args[1:]); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	switch args[0] {
	case "status":
		n, err := ops.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d messages in dead-letter queue\n", n)
		return nil

	case "inspect":
		if *limit < 1 {
			return fmt.Errorf("%w: -n must be positive", errUsage)
		}
		records, err := ops.Inspect(ctx, *limit)
		for _, r := range records {
			if err := printRecord(out, r); err != nil {
				return err
			}
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d messages shown\n", len(records))
		return nil

	case "purge":
		if !*yes {
			return errors.New("purge deletes every dead letter, rerun with -yes to confirm")
		}
		n, err := ops.Purge(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d messages purged\n", n)
		return nil

	case "replay":
		if !*yes {
			return errors.New("replay republishes every dead letter, rerun with -yes to confirm")
		}
		res, err := ops.Replay(ctx)
		fmt.Fprintf(out, "%d messages replayed, %d failed\n", res.Replayed, res.Failed)
		return err
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
}

type printedRecord struct {
	MessageID   string                 `json:"message_id,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	SourceQueue string                 `json:"source_queue,omitempty"`
	DeathCount  int64                  `json:"death_count,omitempty"`
	Redelivered bool                   `json:"redelivered"`
	Timestamp   *time.Time             `json:"timestamp,omitempty"`
	Event       *pricewatch.PriceEvent `json:"event,omitempty"`
	Body        string                 `json:"body,omitempty"`
}

func printRecord(out io.Writer, r pricewatch.DeadLetterRecord) error {
	p := printedRecord{
		MessageID:   r.MessageID,
		Reason:      r.Reason,
		SourceQueue: r.SourceQueue,
		DeathCount:  r.DeathCount,
		Redelivered: r.Redelivered,
		Event:       r.Event,
	}
	if !r.Timestamp.IsZero() {
		p.Timestamp = &r.Timestamp
	}
	if r.Event == nil {
		p.Body = string(r.Body)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}
