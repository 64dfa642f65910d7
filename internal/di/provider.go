package di

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tidewallet/ledgerd/internal/config"
	"github.com/tidewallet/ledgerd/internal/core/approvals"
	"github.com/tidewallet/ledgerd/internal/core/engine"
	"github.com/tidewallet/ledgerd/internal/core/engine/scopelock"
	"github.com/tidewallet/ledgerd/internal/core/feesched"
	"github.com/tidewallet/ledgerd/internal/core/integrity"
	"github.com/tidewallet/ledgerd/internal/core/recon"
	"github.com/tidewallet/ledgerd/internal/core/repair"
	"github.com/tidewallet/ledgerd/internal/events"
	"github.com/tidewallet/ledgerd/internal/jobs"
	"github.com/tidewallet/ledgerd/internal/logging"
	"github.com/tidewallet/ledgerd/internal/metrics"
	"github.com/tidewallet/ledgerd/internal/queue"
	"github.com/tidewallet/ledgerd/internal/server/api"
	"github.com/tidewallet/ledgerd/internal/storage/eventarchive"
	"github.com/tidewallet/ledgerd/internal/storage/ledgerdb"
	"github.com/tidewallet/ledgerd/internal/storage/ledgerdb/postgres"
	"github.com/tidewallet/ledgerd/internal/storage/ledgerdb/sqlite"
)

// Provider registers builders for every service the daemon runs.
// Services are built lazily, so a command that only needs the store
// never dials a broker.
type Provider struct {
	container *Container
	config    *config.Config
}

// NewProvider creates a provider over the container.
func NewProvider(container *Container, cfg *config.Config) *Provider {
	return &Provider{container: container, config: cfg}
}

// RegisterAll registers every service builder.
func (p *Provider) RegisterAll() error {
	p.container.Register(ServiceConfig, p.config)
	p.registerFoundation()
	p.registerStorage()
	p.registerCore()
	p.registerPeriphery()
	return nil
}

func (p *Provider) registerFoundation() {
	p.container.RegisterBuilder(ServiceLogger, func(c *Container) (interface{}, error) {
		return logging.New(logging.Options{
			Level:  p.config.Log.Level,
			Format: p.config.Log.Format,
		})
	})
	p.container.RegisterBuilder(ServiceMetrics, func(c *Container) (interface{}, error) {
		return metrics.New(), nil
	})
	p.container.RegisterBuilder(ServiceBus, func(c *Container) (interface{}, error) {
		log, err := p.Logger()
		if err != nil {
			return nil, err
		}
		return events.NewBus(log), nil
	})
}

func (p *Provider) registerStorage() {
	p.container.RegisterBuilder(ServiceStore, func(c *Container) (interface{}, error) {
		log, err := p.Logger()
		if err != nil {
			return nil, err
		}
		var store ledgerdb.Store
		switch p.config.Database.Driver {
		case "sqlite":
			store, err = sqlite.Open(p.config.Database.DSN, log)
		case "postgres":
			store, err = postgres.Open(p.config.Database.DSN, postgres.Options{
				MaxOpenConns:    p.config.Database.MaxOpenConns,
				MaxIdleConns:    p.config.Database.MaxIdleConns,
				ConnMaxLifetime: p.config.Database.ConnMaxLifetime,
			}, log)
		default:
			return nil, fmt.Errorf("unknown database driver %q", p.config.Database.Driver)
		}
		if err != nil {
			return nil, err
		}
		if err := store.Init(context.Background()); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("initialize schema: %w", err)
		}
		return store, nil
	})

	p.container.RegisterBuilder(ServiceArchive, func(c *Container) (interface{}, error) {
		if !p.config.Archive.Enabled {
			return (*eventarchive.Archive)(nil), nil
		}
		backend, err := eventarchive.NewBackend(p.config.Archive.Backend, eventarchive.Config{
			Path:       p.config.Archive.Path,
			Compressor: p.config.Archive.Compression,
		})
		if err != nil {
			return nil, err
		}
		log, err := p.Logger()
		if err != nil {
			return nil, err
		}
		m, err := p.Metrics()
		if err != nil {
			return nil, err
		}
		return eventarchive.New(backend, eventarchive.Options{Metrics: m, Logger: log})
	})
}

func (p *Provider) registerCore() {
	p.container.RegisterBuilder(ServiceLocker, func(c *Container) (interface{}, error) {
		if !p.config.Redis.Enabled {
			return scopelock.NewKeyed(), nil
		}
		client := redis.NewClient(&redis.Options{Addr: p.config.Redis.Addr})
		return scopelock.NewRedis(client, p.config.Redis.Lease), nil
	})

	p.container.RegisterBuilder(ServiceEngine, func(c *Container) (interface{}, error) {
		store, err := p.Store()
		if err != nil {
			return nil, err
		}
		locker, err := c.Get(ServiceLocker)
		if err != nil {
			return nil, err
		}
		bus, err := p.Bus()
		if err != nil {
			return nil, err
		}
		m, err := p.Metrics()
		if err != nil {
			return nil, err
		}
		log, err := p.Logger()
		if err != nil {
			return nil, err
		}
		return engine.New(store, engine.Options{
			Locker:           locker.(scopelock.Locker),
			Bus:              bus,
			Metrics:          m,
			Logger:           log,
			ReceiptCacheSize: p.config.Engine.ReceiptCacheSize,
		})
	})

	p.container.RegisterBuilder(ServiceReconciler, func(c *Container) (interface{}, error) {
		store, bus, m, log, err := p.common()
		if err != nil {
			return nil, err
		}
		return recon.New(store, recon.Options{
			Bus:         bus,
			Metrics:     m,
			Logger:      log,
			Parallelism: p.config.Recon.Parallelism,
		}), nil
	})

	p.container.RegisterBuilder(ServiceVerifier, func(c *Container) (interface{}, error) {
		store, bus, m, log, err := p.common()
		if err != nil {
			return nil, err
		}
		return integrity.New(store, integrity.Options{Bus: bus, Metrics: m, Logger: log}), nil
	})

	p.container.RegisterBuilder(ServiceRepairer, func(c *Container) (interface{}, error) {
		store, bus, m, log, err := p.common()
		if err != nil {
			return nil, err
		}
		return repair.New(store, repair.Options{Bus: bus, Metrics: m, Logger: log}), nil
	})

	p.container.RegisterBuilder(ServiceFees, func(c *Container) (interface{}, error) {
		return feesched.NewSchedule(), nil
	})

	p.container.RegisterBuilder(ServiceApprovals, func(c *Container) (interface{}, error) {
		store, bus, _, log, err := p.common()
		if err != nil {
			return nil, err
		}
		fees, err := p.Fees()
		if err != nil {
			return nil, err
		}
		return approvals.New(store, approvals.Options{Bus: bus, Fees: fees, Logger: log}), nil
	})

	p.container.RegisterBuilder(ServiceJobs, func(c *Container) (interface{}, error) {
		store, err := p.Store()
		if err != nil {
			return nil, err
		}
		reconciler, err := p.Reconciler()
		if err != nil {
			return nil, err
		}
		repairer, err := p.Repairer()
		if err != nil {
			return nil, err
		}
		log, err := p.Logger()
		if err != nil {
			return nil, err
		}
		runner := jobs.New(reconciler, repairer, store, jobs.Intervals{
			Reconcile:  p.config.Recon.Interval,
			StaleSweep: p.config.Repair.SweepInterval,
			Purge:      p.config.Repair.PurgeInterval,
		}, log)
		runner.SetStaleCutoff(p.config.Repair.StaleCutoff)
		return runner, nil
	})
}

func (p *Provider) registerPeriphery() {
	p.container.RegisterBuilder(ServiceConsumer, func(c *Container) (interface{}, error) {
		store, bus, m, log, err := p.common()
		if err != nil {
			return nil, err
		}
		return queue.NewConsumer(store, queue.Options{Bus: bus, Metrics: m, Logger: log}), nil
	})

	p.container.RegisterBuilder(ServicePublisher, func(c *Container) (interface{}, error) {
		if !p.config.Queue.Enabled {
			return (*queue.AMQPPublisher)(nil), nil
		}
		log, err := p.Logger()
		if err != nil {
			return nil, err
		}
		return queue.NewAMQPPublisher(p.amqpConfig(), log)
	})

	p.container.RegisterBuilder(ServiceAPIServer, func(c *Container) (interface{}, error) {
		store, bus, m, log, err := p.common()
		if err != nil {
			return nil, err
		}
		eng, err := p.Engine()
		if err != nil {
			return nil, err
		}
		reconciler, err := p.Reconciler()
		if err != nil {
			return nil, err
		}
		verifier, err := p.Verifier()
		if err != nil {
			return nil, err
		}
		repairer, err := p.Repairer()
		if err != nil {
			return nil, err
		}
		appr, err := p.Approvals()
		if err != nil {
			return nil, err
		}
		fees, err := p.Fees()
		if err != nil {
			return nil, err
		}
		return api.New(api.Deps{
			Store:      store,
			Engine:     eng,
			Reconciler: reconciler,
			Verifier:   verifier,
			Repairer:   repairer,
			Approvals:  appr,
			Fees:       fees,
			Bus:        bus,
			Metrics:    m,
			Logger:     log,
		}, api.Options{
			Addr:            p.config.Server.Addr,
			ReadTimeout:     p.config.Server.ReadTimeout,
			WriteTimeout:    p.config.Server.WriteTimeout,
			ShutdownTimeout: p.config.Server.ShutdownTimeout,
		})
	})
}

func (p *Provider) amqpConfig() queue.AMQPConfig {
	return queue.AMQPConfig{
		URL:      p.config.Queue.URL,
		Exchange: p.config.Queue.Exchange,
		Queue:    p.config.Queue.Queue,
		Prefetch: p.config.Queue.Prefetch,
	}
}

// common resolves the four dependencies nearly every subsystem takes.
func (p *Provider) common() (ledgerdb.Store, *events.Bus, *metrics.Metrics, *zap.Logger, error) {
	store, err := p.Store()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	bus, err := p.Bus()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	m, err := p.Metrics()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	log, err := p.Logger()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return store, bus, m, log, nil
}

// GetConfig returns the configuration.
func (p *Provider) GetConfig() *config.Config { return p.config }

// Logger resolves the shared logger.
func (p *Provider) Logger() (*zap.Logger, error) {
	v, err := p.container.Get(ServiceLogger)
	if err != nil {
		return nil, err
	}
	return v.(*zap.Logger), nil
}

// Metrics resolves the instrument set.
func (p *Provider) Metrics() (*metrics.Metrics, error) {
	v, err := p.container.Get(ServiceMetrics)
	if err != nil {
		return nil, err
	}
	return v.(*metrics.Metrics), nil
}

// Bus resolves the event bus.
func (p *Provider) Bus() (*events.Bus, error) {
	v, err := p.container.Get(ServiceBus)
	if err != nil {
		return nil, err
	}
	return v.(*events.Bus), nil
}

// Store resolves the ledger store, opening and initializing it on first
// use.
func (p *Provider) Store() (ledgerdb.Store, error) {
	v, err := p.container.Get(ServiceStore)
	if err != nil {
		return nil, err
	}
	return v.(ledgerdb.Store), nil
}

// Engine resolves the posting engine.
func (p *Provider) Engine() (*engine.Engine, error) {
	v, err := p.container.Get(ServiceEngine)
	if err != nil {
		return nil, err
	}
	return v.(*engine.Engine), nil
}

// Reconciler resolves the reconciliation service.
func (p *Provider) Reconciler() (*recon.Reconciler, error) {
	v, err := p.container.Get(ServiceReconciler)
	if err != nil {
		return nil, err
	}
	return v.(*recon.Reconciler), nil
}

// Verifier resolves the chain verifier.
func (p *Provider) Verifier() (*integrity.Verifier, error) {
	v, err := p.container.Get(ServiceVerifier)
	if err != nil {
		return nil, err
	}
	return v.(*integrity.Verifier), nil
}

// Repairer resolves the repair service.
func (p *Provider) Repairer() (*repair.Repairer, error) {
	v, err := p.container.Get(ServiceRepairer)
	if err != nil {
		return nil, err
	}
	return v.(*repair.Repairer), nil
}

// Fees resolves the fee schedule registry.
func (p *Provider) Fees() (*feesched.Schedule, error) {
	v, err := p.container.Get(ServiceFees)
	if err != nil {
		return nil, err
	}
	return v.(*feesched.Schedule), nil
}

// Approvals resolves the maker-checker service.
func (p *Provider) Approvals() (*approvals.Service, error) {
	v, err := p.container.Get(ServiceApprovals)
	if err != nil {
		return nil, err
	}
	return v.(*approvals.Service), nil
}

// Jobs resolves the background job runner.
func (p *Provider) Jobs() (*jobs.Runner, error) {
	v, err := p.container.Get(ServiceJobs)
	if err != nil {
		return nil, err
	}
	return v.(*jobs.Runner), nil
}

// Archive resolves the event archive; nil when disabled.
func (p *Provider) Archive() (*eventarchive.Archive, error) {
	v, err := p.container.Get(ServiceArchive)
	if err != nil {
		return nil, err
	}
	return v.(*eventarchive.Archive), nil
}

// Consumer resolves the deduplicating queue consumer.
func (p *Provider) Consumer() (*queue.Consumer, error) {
	v, err := p.container.Get(ServiceConsumer)
	if err != nil {
		return nil, err
	}
	return v.(*queue.Consumer), nil
}

// AMQPConsumer dials the broker and binds the inbound queue. Callers own
// the returned adapter; nil when the queue is disabled.
func (p *Provider) AMQPConsumer() (*queue.AMQPConsumer, error) {
	if !p.config.Queue.Enabled {
		return nil, nil
	}
	consumer, err := p.Consumer()
	if err != nil {
		return nil, err
	}
	log, err := p.Logger()
	if err != nil {
		return nil, err
	}
	return queue.NewAMQPConsumer(p.amqpConfig(), consumer, log)
}

// Publisher resolves the AMQP publisher; nil when the queue is disabled.
func (p *Provider) Publisher() (*queue.AMQPPublisher, error) {
	v, err := p.container.Get(ServicePublisher)
	if err != nil {
		return nil, err
	}
	return v.(*queue.AMQPPublisher), nil
}

// APIServer resolves the HTTP server.
func (p *Provider) APIServer() (*api.Server, error) {
	v, err := p.container.Get(ServiceAPIServer)
	if err != nil {
		return nil, err
	}
	return v.(*api.Server), nil
}
