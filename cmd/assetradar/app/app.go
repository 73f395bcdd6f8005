/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package app wires the assetradar service from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/carverauto/assetradar/pkg/central"
	"github.com/carverauto/assetradar/pkg/correlation"
	"github.com/carverauto/assetradar/pkg/db"
	"github.com/carverauto/assetradar/pkg/events"
	"github.com/carverauto/assetradar/pkg/ingest"
	"github.com/carverauto/assetradar/pkg/lifecycle"
	"github.com/carverauto/assetradar/pkg/logger"
	"github.com/carverauto/assetradar/pkg/models"
	"github.com/carverauto/assetradar/pkg/natsutil"
	"github.com/carverauto/assetradar/pkg/query"
	"github.com/carverauto/assetradar/pkg/scheduler"
	"github.com/carverauto/assetradar/pkg/store"
	"github.com/carverauto/assetradar/pkg/version"
	"github.com/carverauto/assetradar/pkg/viewcache"
)

const shutdownTimeout = 30 * time.Second

// Options contains runtime configuration derived from CLI flags.
type Options struct {
	ConfigPath string
	// RunJobs lists jobs to run once at startup before serving.
	RunJobs []string
}

// App is a running assetradar node. Central components are nil when central
// is disabled.
type App struct {
	cfg    *Config
	logger logger.Logger

	Store     store.Store
	Events    *events.ChannelPublisher
	Engine    *correlation.Engine
	Fields    *models.FieldRegistries
	Cache     *viewcache.Cache
	Query     *query.Service
	Pipeline  *ingest.Pipeline
	Scheduler *scheduler.Scheduler

	CentralCache *viewcache.Cache
	Promoter     *central.Promoter
	Aggregator   *central.Aggregator
	CentralQuery *query.Service
	CentralLive  *central.Reader

	consumer *ingest.Consumer
	nodes    []central.NodeSource
	closers  []func()
}

// Run loads the configuration, builds the service and blocks until ctx is
// cancelled.
func Run(ctx context.Context, opts Options) error {
	bootLogger, err := lifecycle.CreateLogger(logger.DefaultConfig())
	if err != nil {
		return err
	}

	cfg, err := LoadConfig(ctx, opts.ConfigPath, bootLogger)
	if err != nil {
		return err
	}

	mainLogger, err := lifecycle.CreateComponentLogger("assetradar", cfg.Logging)
	if err != nil {
		return err
	}

	a, err := New(ctx, cfg, mainLogger)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, name := range opts.RunJobs {
		if err := a.Scheduler.RunNow(ctx, name); err != nil {
			return fmt.Errorf("startup job %s: %w", name, err)
		}
	}

	return a.Serve(ctx)
}

// New builds every component. On error anything already opened is closed.
func New(ctx context.Context, cfg *Config, log logger.Logger) (a *App, err error) {
	a = &App{cfg: cfg, logger: log}

	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	if a.Store, err = a.openStore(ctx); err != nil {
		return nil, err
	}

	if err = a.loadFields(ctx); err != nil {
		return nil, err
	}

	js, err := a.connectNATS()
	if err != nil {
		return nil, err
	}

	a.Events = events.NewChannelPublisher()
	a.closers = append(a.closers, a.Events.Close)

	publisher := events.Multi{a.Events}

	if js != nil {
		if _, err = natsutil.EnsureStream(ctx, js, events.DefaultStream, events.SubjectPrefix+".>"); err != nil {
			return nil, err
		}

		publisher = append(publisher, events.NewJetStreamPublisher(js, log))
	}

	a.Engine = correlation.NewEngine(a.Store, publisher, log, cfg.Correlation.Options()...)
	a.Cache = viewcache.New(cfg.Cache.TTL.Std(), cfg.Cache.CleanupInterval.Std())
	a.Query = query.NewService(a.Store, a.Fields, a.Cache, log,
		query.WithTTL(cfg.Query.TTL.Std()),
		query.WithMutator(a.Engine))
	a.Pipeline = ingest.NewPipeline(a.Engine, cfg.Ingest, log)

	if cfg.Central.Enabled {
		if err = a.buildCentral(ctx); err != nil {
			return nil, err
		}
	}

	if cfg.Consumer.Enabled {
		if a.consumer, err = ingest.NewConsumer(ctx, js, cfg.Consumer.ConsumerConfig, a.Pipeline, log); err != nil {
			return nil, err
		}
	}

	if err = a.registerJobs(); err != nil {
		return nil, err
	}

	return a, nil
}

func (a *App) openStore(ctx context.Context) (store.Store, error) {
	if a.cfg.Store.Backend != BackendCNPG {
		return store.NewMemoryStore(a.cfg.NodeID), nil
	}

	pool, err := a.openPool(ctx, a.cfg.Store.CNPG)
	if err != nil {
		return nil, err
	}

	if err := db.RunMigrations(ctx, pool, a.logger); err != nil {
		return nil, err
	}

	return db.NewStore(pool, a.cfg.NodeID, a.logger), nil
}

func (a *App) openPool(ctx context.Context, cfg *db.Config) (*pgxpool.Pool, error) {
	pool, err := db.NewCNPGPool(ctx, cfg, a.logger)
	if err != nil {
		return nil, err
	}

	a.closers = append(a.closers, pool.Close)

	return pool, nil
}

// loadFields declares configured adapter fields and loads every declared
// field into the registries views are projected with.
func (a *App) loadFields(ctx context.Context) error {
	a.Fields = models.NewFieldRegistries()

	for _, kind := range models.EntityKinds {
		if descs := a.cfg.Fields[kind]; len(descs) > 0 {
			if err := a.Store.DeclareFields(ctx, kind, descs); err != nil {
				return fmt.Errorf("declare %s fields: %w", kind, err)
			}
		}

		descs, err := a.Store.FieldsMetadata(ctx, kind)
		if err != nil {
			return fmt.Errorf("load %s fields: %w", kind, err)
		}

		if err := a.Fields.For(kind).Declare(descs...); err != nil {
			return fmt.Errorf("register %s fields: %w", kind, err)
		}
	}

	return nil
}

func (a *App) connectNATS() (js jetstream.JetStream, err error) {
	if a.cfg.NATS == nil {
		return nil, nil
	}

	var nc *nats.Conn

	nc, js, err = natsutil.Connect(*a.cfg.NATS, a.logger)
	if err != nil {
		return nil, err
	}

	a.closers = append(a.closers, func() {
		if err := nc.Drain(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to drain NATS connection")
		}
	})

	return js, nil
}

func (a *App) buildCentral(ctx context.Context) error {
	cc := a.cfg.Central

	var backend central.Backend = central.NewMemoryBackend()

	if cc.Backend == BackendCNPG {
		cnpg := cc.CNPG
		if cnpg == nil {
			cnpg = a.cfg.Store.CNPG
		}

		pool, err := a.openPool(ctx, cnpg)
		if err != nil {
			return err
		}

		if err := db.RunMigrations(ctx, pool, a.logger); err != nil {
			return err
		}

		backend = db.NewCentralBackend(pool, a.logger)
	}

	a.CentralCache = viewcache.New(a.cfg.Cache.TTL.Std(), a.cfg.Cache.CleanupInterval.Std())

	promoter, err := central.NewPromoter(ctx, backend, a.CentralCache, a.logger)
	if err != nil {
		return err
	}

	a.Promoter = promoter
	a.Aggregator = central.NewAggregator(backend, promoter, a.logger, central.WithFetchWorkers(cc.FetchWorkers))
	a.CentralLive = central.NewReader(backend)
	a.CentralQuery = query.NewService(a.CentralLive, a.Fields, a.CentralCache, a.logger,
		query.WithTTL(a.cfg.Query.TTL.Std()))

	if cc.IncludeLocal {
		a.nodes = append(a.nodes, a.Store)
	}

	for i := range cc.Nodes {
		node := &cc.Nodes[i]

		pool, err := a.openPool(ctx, &node.CNPG)
		if err != nil {
			return fmt.Errorf("central node %s: %w", node.ID, err)
		}

		a.nodes = append(a.nodes, db.NewStore(pool, node.ID, a.logger))
	}

	a.logger.Info().Str("backend", cc.Backend).Int("nodes", len(a.nodes)).
		Str("state", string(promoter.State())).Msg("Central promotion configured")

	return nil
}

func (a *App) registerJobs() error {
	a.Scheduler = scheduler.New(nil, a.logger)

	var jobs []scheduler.Job

	if re := a.cfg.Correlation.Reimage; re.Enabled {
		analyzer := &reimageRunner{
			ReimageAnalyzer: correlation.NewReimageAnalyzer(a.Store, re, a.logger, nil),
			query:           a.Query,
		}
		jobs = append(jobs, scheduler.ReimageJob(analyzer, models.EntityKinds, re.Interval.Std(), a.logger))
	}

	if a.Aggregator != nil {
		nodes := func() []central.NodeSource { return a.nodes }
		jobs = append(jobs,
			scheduler.PromotionJob(a.Aggregator, a.Promoter, a.CentralLive, nodes, a.cfg.Central.Interval.Std(), a.logger))
	}

	jobs = append(jobs, scheduler.RerunJob(a.Engine, models.EntityKinds, a.cfg.Correlation.RerunInterval.Std()))

	if rc := a.cfg.Retention; rc.Enabled {
		jobs = append(jobs, scheduler.RetentionJob(a.Store, a.Engine, models.EntityKinds,
			rc.Window.Std(), rc.Interval.Std(), nil, a.logger))
	}

	for _, job := range jobs {
		if err := a.Scheduler.Register(job); err != nil {
			return err
		}
	}

	return nil
}

// Serve starts background jobs and the intake consumer, then blocks until ctx
// is cancelled.
func (a *App) Serve(ctx context.Context) error {
	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.consumer != nil {
		g.Go(func() error { return a.consumer.Run(gctx) })
	}

	a.logger.Info().Str("node_id", a.cfg.NodeID).Str("version", version.GetFullVersion()).
		Strs("jobs", a.Scheduler.Jobs()).Msg("assetradar started")

	<-gctx.Done()

	a.logger.Info().Msg("Shutting down")

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	stopErr := a.Scheduler.Stop(stopCtx)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return errors.Join(err, stopErr)
	}

	return stopErr
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}

	a.closers = nil
}

// reimageRunner drops cached views once the analysis has tagged records.
type reimageRunner struct {
	*correlation.ReimageAnalyzer
	query *query.Service
}

func (r *reimageRunner) Run(ctx context.Context, kind models.EntityKind) (*correlation.ReimageReport, error) {
	rep, err := r.ReimageAnalyzer.Run(ctx, kind)
	if rep != nil && rep.Labeled > 0 {
		r.query.Invalidate(kind)
	}

	return rep, err
}
