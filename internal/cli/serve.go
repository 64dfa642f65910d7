package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tidewallet/ledgerd/internal/core/engine"
	"github.com/tidewallet/ledgerd/internal/core/journal"
	"github.com/tidewallet/ledgerd/internal/core/money"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ledger daemon",
	Long: `Start the HTTP API, the background reconciliation, stale-sweep, and
purge jobs, and, when configured, the AMQP consumer/publisher and the
cold event archive.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.RunE = runServe
}

func runServe(cmd *cobra.Command, args []string) error {
	provider, err := newProvider()
	if err != nil {
		return err
	}
	log, err := provider.Logger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	store, err := provider.Store()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	srv, err := provider.APIServer()
	if err != nil {
		return err
	}
	runner, err := provider.Jobs()
	if err != nil {
		return err
	}
	bus, err := provider.Bus()
	if err != nil {
		return err
	}
	defer bus.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner.Start(ctx)
	defer runner.Wait()

	if archive, err := provider.Archive(); err != nil {
		return err
	} else if archive != nil {
		defer func() { _ = archive.Close() }()
		go archive.Tee(ctx, bus)
		log.Info("event archive enabled")
	}

	if publisher, err := provider.Publisher(); err != nil {
		return err
	} else if publisher != nil {
		defer func() { _ = publisher.Close() }()
		go publisher.Pump(ctx, bus)
		log.Info("amqp publisher enabled")
	}

	amqpConsumer, err := provider.AMQPConsumer()
	if err != nil {
		return err
	}
	if amqpConsumer != nil {
		eng, err := provider.Engine()
		if err != nil {
			return err
		}
		defer func() { _ = amqpConsumer.Close() }()
		go func() {
			if err := amqpConsumer.Run(ctx, postingHandler(eng)); err != nil && ctx.Err() == nil {
				log.Error("amqp consumer stopped", zap.Error(err))
			}
		}()
		log.Info("amqp consumer enabled")
	}

	log.Info("ledgerd starting", zap.String("addr", provider.GetConfig().Server.Addr))
	return srv.Run(ctx)
}

// queuedPosting is the message body the inbound queue carries: the same
// shape as POST /v1/postings.
type queuedPosting struct {
	IdempotencyKey string `json:"idempotency_key"`
	CorrelationID  string `json:"correlation_id"`
	ActorType      string `json:"actor_type"`
	ActorID        string `json:"actor_id"`
	TxnType        string `json:"txn_type"`
	Currency       string `json:"currency"`
	Description    string `json:"description,omitempty"`
	Entries        []struct {
		AccountID   string `json:"account_id"`
		EntryType   string `json:"entry_type"`
		Amount      string `json:"amount"`
		Description string `json:"description,omitempty"`
	} `json:"entries"`
}

// postingHandler posts queued commands through the engine. The engine's
// idempotency layer makes broker redelivery safe even past the
// consumer's dedupe.
func postingHandler(eng *engine.Engine) func(context.Context, []byte) error {
	return func(ctx context.Context, body []byte) error {
		var msg queuedPosting
		if err := json.Unmarshal(body, &msg); err != nil {
			return fmt.Errorf("decode queued posting: %w", err)
		}
		entries := make([]journal.Entry, len(msg.Entries))
		for i, e := range msg.Entries {
			amount, err := money.Parse(e.Amount)
			if err != nil {
				return fmt.Errorf("entry for %s: %w", e.AccountID, err)
			}
			entries[i] = journal.Entry{
				AccountID:   e.AccountID,
				EntryType:   journal.EntryType(e.EntryType),
				Amount:      amount,
				Description: e.Description,
			}
		}
		_, err := eng.PostTransaction(ctx, journal.Command{
			IdempotencyKey: msg.IdempotencyKey,
			CorrelationID:  msg.CorrelationID,
			ActorType:      msg.ActorType,
			ActorID:        msg.ActorID,
			TxnType:        journal.TxnType(msg.TxnType),
			Currency:       msg.Currency,
			Description:    msg.Description,
			Entries:        entries,
		})
		return err
	}
}
