// Command dlq-replay inspects parked messages and optionally puts them back
// on their original subjects. It reads two parking lots: the dead-letter
// stream consumers give up into, and the publish_failures table the API
// writes when the broker is unreachable. Replayed messages are ordinary
// publishes, so every consumer sees them again; the consumers' idempotency
// is what makes that safe.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/taskloop/taskloop/internal/app/publisher"
	"github.com/taskloop/taskloop/internal/contracts"
	"github.com/taskloop/taskloop/internal/messaging"
	"github.com/taskloop/taskloop/internal/platform/dbpool"
	"github.com/taskloop/taskloop/internal/platform/env"
	"github.com/taskloop/taskloop/internal/platform/natsutil"
)

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dlq-replay:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dlq-replay",
	Short: "Inspect and replay parked task events",
	Long: `dlq-replay reads the two parking lots of the event pipeline: the
dead-letter stream that consumers give up into after repeated failures,
and the publish_failures table the API writes when the broker stays
unreachable. Without --replay it only lists what is parked.`,
}

var deadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "Browse one consumer's dead-letter subject",
	RunE: func(cmd *cobra.Command, args []string) error {
		consumer, _ := cmd.Flags().GetString("consumer")
		limit, _ := cmd.Flags().GetInt("limit")
		replay, _ := cmd.Flags().GetBool("replay")
		if consumer == "" {
			return errors.New("--consumer is required")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return replayDeadLetters(ctx, consumer, limit, replay)
	},
}

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Browse events parked in the publish_failures table",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		replay, _ := cmd.Flags().GetBool("replay")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return replayPublishFailures(ctx, limit, replay)
	},
}

func init() {
	rootCmd.AddCommand(deadLettersCmd)
	rootCmd.AddCommand(failuresCmd)

	deadLettersCmd.Flags().String("consumer", "", "durable consumer whose parked messages to read")
	deadLettersCmd.Flags().Int("limit", 50, "maximum messages to inspect")
	deadLettersCmd.Flags().Bool("replay", false, "republish instead of only listing")

	failuresCmd.Flags().Int("limit", 50, "maximum rows to inspect")
	failuresCmd.Flags().Bool("replay", false, "republish instead of only listing")
}

func replayDeadLetters(ctx context.Context, consumer string, limit int, replay bool) error {
	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), 10*time.Second)
	if err != nil {
		return err
	}
	defer client.Close()

	// An ordered consumer browses without consuming: nothing is removed from
	// the parking stream, so an interrupted replay can simply run again.
	sub, err := client.JS.SubscribeSync(messaging.DeadLetterSubject(consumer), nats.OrderedConsumer())
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	seen, replayed := 0, 0
	for seen < limit {
		if ctx.Err() != nil {
			break
		}
		msg, err := sub.NextMsg(2 * time.Second)
		if errors.Is(err, nats.ErrTimeout) {
			break
		}
		if err != nil {
			return err
		}
		seen++

		orig := msg.Header.Get(messaging.OrigSubjectHeader)
		fmt.Printf("%-3d %s orig_subject=%s\n", seen, describe(msg.Data), orig)

		if !replay {
			continue
		}
		if orig == "" {
			fmt.Printf("    skipped: no original subject recorded\n")
			continue
		}
		if _, err := client.JS.Publish(orig, msg.Data); err != nil {
			return fmt.Errorf("republish to %s: %w", orig, err)
		}
		replayed++
	}

	fmt.Printf("inspected %d message(s) on %s, replayed %d\n",
		seen, messaging.DeadLetterSubject(consumer), replayed)
	return nil
}

func replayPublishFailures(ctx context.Context, limit int, replay bool) error {
	pool, err := dbpool.New(ctx, env.String("DATABASE_URL", env.DefaultDatabaseURL))
	if err != nil {
		return err
	}
	defer pool.Close()

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), 10*time.Second)
	if err != nil {
		return err
	}
	defer client.Close()

	repo := publisher.NewFailureRepository(pool)
	pending, err := repo.ListPending(ctx, limit)
	if err != nil {
		return err
	}

	replayed := 0
	for i, f := range pending {
		fmt.Printf("%-3d event_id=%s type=%s task=%s failed_at=%s last_error=%q\n",
			i+1, f.EventID, contracts.ShortType(f.EventType), f.TaskID,
			f.FailedAt.Format(time.RFC3339), f.LastError)

		if !replay {
			continue
		}
		if _, err := client.JS.Publish(f.Subject, f.Payload); err != nil {
			return fmt.Errorf("republish %s to %s: %w", f.EventID, f.Subject, err)
		}
		if err := repo.MarkRepublished(ctx, f.ID, time.Now().UTC()); err != nil {
			return fmt.Errorf("mark %s republished: %w", f.EventID, err)
		}
		replayed++
	}

	fmt.Printf("found %d pending failure(s), replayed %d\n", len(pending), replayed)
	return nil
}

func describe(data []byte) string {
	var env contracts.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.EventID == "" {
		return fmt.Sprintf("unparseable payload (%d bytes)", len(data))
	}
	return fmt.Sprintf("event_id=%s type=%s task=%s user=%s",
		env.EventID, contracts.ShortType(env.EventType), env.TaskID, env.UserID)
}
