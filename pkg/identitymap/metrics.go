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

package identitymap

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/carverauto/assetradar/pkg/identitymap"

	metricKeyLookups   = "identitymap_key_lookups_total"
	metricKeyMatches   = "identitymap_key_matches"
	metricKeyConflicts = "identitymap_cas_conflicts_total"
)

var (
	// instrumentation handles are cached globally to avoid re-registering OTEL instruments on every call.
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	meterOnce sync.Once
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	lookupCounter metric.Int64Counter
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	matchHistogram metric.Int64Histogram
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	conflictCounter metric.Int64Counter
)

func initMeter() {
	meter := otel.Meter(meterName)

	counter, err := meter.Int64Counter(
		metricKeyLookups,
		metric.WithDescription("Total correlation key index lookups"),
	)
	if err != nil {
		otel.Handle(err)
	}
	lookupCounter = counter

	hist, err := meter.Int64Histogram(
		metricKeyMatches,
		metric.WithDescription("Number of live entities matched per correlation key lookup"),
	)
	if err != nil {
		otel.Handle(err)
	}
	matchHistogram = hist

	conflict, err := meter.Int64Counter(
		metricKeyConflicts,
		metric.WithDescription("Total membership compare-and-swap conflicts"),
	)
	if err != nil {
		otel.Handle(err)
	}
	conflictCounter = conflict
}

// RecordKeyLookup records one key index lookup and how many entities it matched.
func RecordKeyLookup(ctx context.Context, kind Kind, matches int) {
	meterOnce.Do(initMeter)

	attrs := metric.WithAttributes(attribute.String("kind", string(kind)))

	if lookupCounter != nil {
		lookupCounter.Add(ctx, 1, attrs)
	}

	if matchHistogram != nil {
		matchHistogram.Record(ctx, int64(matches), attrs)
	}
}

// RecordConflict increments the conflict counter for CAS contention or retry exhaustion.
func RecordConflict(ctx context.Context, reason string) {
	meterOnce.Do(initMeter)
	if conflictCounter == nil {
		return
	}

	conflictCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
