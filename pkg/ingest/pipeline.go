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

package ingest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/carverauto/assetradar/pkg/correlation"
	"github.com/carverauto/assetradar/pkg/logger"
	"github.com/carverauto/assetradar/pkg/models"
	"github.com/carverauto/assetradar/pkg/store"
)

const (
	defaultWorkers         = 4
	defaultRetryInitial    = 100 * time.Millisecond
	defaultRetryMax        = 2 * time.Second
	defaultRetryMaxElapsed = 15 * time.Second
	defaultRetryMaxTries   = 5
)

// Correlator places one record in the entity partition.
type Correlator interface {
	Correlate(ctx context.Context, ae *models.AdapterEntity) (*correlation.Result, error)
}

// Config bounds pipeline parallelism and transient-failure retries.
type Config struct {
	Workers         int             `json:"workers"`
	RetryInitial    models.Duration `json:"retry_initial"`
	RetryMax        models.Duration `json:"retry_max"`
	RetryMaxElapsed models.Duration `json:"retry_max_elapsed"`
	RetryMaxTries   uint            `json:"retry_max_tries"`
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Workers:         defaultWorkers,
		RetryInitial:    models.Duration(defaultRetryInitial),
		RetryMax:        models.Duration(defaultRetryMax),
		RetryMaxElapsed: models.Duration(defaultRetryMaxElapsed),
		RetryMaxTries:   defaultRetryMaxTries,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()

	if c.Workers <= 0 {
		c.Workers = def.Workers
	}

	if c.RetryInitial <= 0 {
		c.RetryInitial = def.RetryInitial
	}

	if c.RetryMax <= 0 {
		c.RetryMax = def.RetryMax
	}

	if c.RetryMaxElapsed <= 0 {
		c.RetryMaxElapsed = def.RetryMaxElapsed
	}

	if c.RetryMaxTries == 0 {
		c.RetryMaxTries = def.RetryMaxTries
	}

	return c
}

// RecordFailure is one record the pipeline could not correlate.
type RecordFailure struct {
	Ref       models.AdapterRef
	Err       error
	Malformed bool
}

// Report tallies one Ingest call.
type Report struct {
	Records   int
	Created   int
	Joined    int
	Merged    int
	Unchanged int
	Stale     int
	Skipped   int
	Failed    int
	Retries   int
	Failures  []RecordFailure
}

// Err joins every non-malformed failure.
func (r *Report) Err() error {
	var errs []error

	for _, f := range r.Failures {
		if !f.Malformed {
			errs = append(errs, f.Err)
		}
	}

	return errors.Join(errs...)
}

func (r *Report) merge(o *Report) {
	r.Records += o.Records
	r.Created += o.Created
	r.Joined += o.Joined
	r.Merged += o.Merged
	r.Unchanged += o.Unchanged
	r.Stale += o.Stale
	r.Skipped += o.Skipped
	r.Failed += o.Failed
	r.Retries += o.Retries
	r.Failures = append(r.Failures, o.Failures...)
}

func (r *Report) addOutcome(o correlation.Outcome) {
	switch o {
	case correlation.OutcomeCreated:
		r.Created++
	case correlation.OutcomeJoined:
		r.Joined++
	case correlation.OutcomeMerged:
		r.Merged++
	case correlation.OutcomeUnchanged:
		r.Unchanged++
	case correlation.OutcomeStale:
		r.Stale++
	}
}

// Pipeline feeds per-source batches through the correlator.
type Pipeline struct {
	correlator Correlator
	cfg        Config
	logger     logger.Logger
}

func NewPipeline(c Correlator, cfg Config, log logger.Logger) *Pipeline {
	return &Pipeline{correlator: c, cfg: cfg.withDefaults(), logger: log}
}

// Ingest correlates every record. Sources run in parallel, records of one
// source run in order. Malformed records are skipped, transient store errors
// are retried with backoff, and any other failure is isolated to its record.
// The returned error is non-nil only when ctx ends the run early.
func (p *Pipeline) Ingest(ctx context.Context, batches map[string][]*models.AdapterEntity) (*Report, error) {
	sources := make([]string, 0, len(batches))
	for src := range batches {
		sources = append(sources, src)
	}

	slices.Sort(sources)

	var (
		mu    sync.Mutex
		total = &Report{}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)

	for _, src := range sources {
		records := batches[src]

		g.Go(func() error {
			rep, err := p.ingestSource(gctx, src, records)

			mu.Lock()
			total.merge(rep)
			mu.Unlock()

			return err
		})
	}

	if err := g.Wait(); err != nil {
		return total, err
	}

	p.logger.Debug().
		Int("sources", len(sources)).
		Int("records", total.Records).
		Int("created", total.Created).
		Int("joined", total.Joined).
		Int("merged", total.Merged).
		Int("skipped", total.Skipped).
		Int("failed", total.Failed).
		Msg("Ingested adapter batches")

	return total, nil
}

func (p *Pipeline) ingestSource(ctx context.Context, sourceID string, records []*models.AdapterEntity) (*Report, error) {
	rep := &Report{}

	for _, ae := range records {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		rep.Records++

		res, retries, err := p.ingestOne(ctx, ae)
		rep.Retries += retries

		switch {
		case err == nil:
			rep.addOutcome(res.Outcome)
		case IsDataShape(err):
			rep.Skipped++
			rep.Failures = append(rep.Failures, RecordFailure{Ref: refOf(ae), Err: err, Malformed: true})

			p.logger.Warn().Str("source_id", sourceID).Err(err).Msg("Skipping malformed adapter record")
		case ctx.Err() != nil:
			return rep, ctx.Err()
		default:
			rep.Failed++
			rep.Failures = append(rep.Failures, RecordFailure{Ref: refOf(ae), Err: err})

			p.logger.Error().Str("source_id", sourceID).Str("ref", refOf(ae).String()).Err(err).
				Msg("Failed to correlate adapter record")
		}
	}

	return rep, nil
}

func (p *Pipeline) ingestOne(ctx context.Context, ae *models.AdapterEntity) (*correlation.Result, int, error) {
	if err := Validate(ae); err != nil {
		return nil, 0, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.RetryInitial.Std()
	bo.MaxInterval = p.cfg.RetryMax.Std()
	bo.Multiplier = 1.6
	bo.RandomizationFactor = 0.2

	attempts := 0

	operation := func() (*correlation.Result, error) {
		attempts++

		res, err := p.correlator.Correlate(ctx, ae)
		if err == nil {
			return res, nil
		}

		if store.IsTransient(err) {
			return nil, err
		}

		return nil, backoff.Permanent(classify(ae, err))
	}

	notify := func(err error, next time.Duration) {
		p.logger.Debug().Str("ref", ae.Ref().String()).Dur("retry_in", next).Err(err).
			Msg("Transient store error, retrying")
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(p.cfg.RetryMaxElapsed.Std()),
		backoff.WithMaxTries(p.cfg.RetryMaxTries),
		backoff.WithNotify(notify),
	)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, max(attempts-1, 0), err
		}

		return nil, max(attempts-1, 0), fmt.Errorf("ingest %s: %w", ae.Ref(), err)
	}

	return res, attempts - 1, nil
}

func refOf(ae *models.AdapterEntity) models.AdapterRef {
	if ae == nil {
		return models.AdapterRef{}
	}

	return ae.Ref()
}
