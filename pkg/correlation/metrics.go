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

package correlation

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/carverauto/assetradar/pkg/models"
)

const (
	meterName = "github.com/carverauto/assetradar/pkg/correlation"

	metricDecisions     = "correlation_decisions_total"
	metricReimageLabels = "correlation_reimage_labels_total"
	metricReimageFailed = "correlation_reimage_group_failures_total"
)

var (
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	meterOnce sync.Once
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	decisionCounter metric.Int64Counter
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	reimageLabelCounter metric.Int64Counter
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	reimageFailureCounter metric.Int64Counter
)

func initMeter() {
	meter := otel.Meter(meterName)

	var err error

	decisionCounter, err = meter.Int64Counter(
		metricDecisions,
		metric.WithDescription("Correlation decisions by outcome"),
	)
	if err != nil {
		otel.Handle(err)
	}

	reimageLabelCounter, err = meter.Int64Counter(
		metricReimageLabels,
		metric.WithDescription("Reimage labels attached to adapter records"),
	)
	if err != nil {
		otel.Handle(err)
	}

	reimageFailureCounter, err = meter.Int64Counter(
		metricReimageFailed,
		metric.WithDescription("MAC groups skipped by the reimage analysis after an error"),
	)
	if err != nil {
		otel.Handle(err)
	}
}

func recordDecision(ctx context.Context, kind models.EntityKind, outcome Outcome) {
	meterOnce.Do(initMeter)
	if decisionCounter == nil {
		return
	}

	decisionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", string(outcome)),
	))
}

func recordReimage(ctx context.Context, kind models.EntityKind, labeled, failed int) {
	meterOnce.Do(initMeter)

	attrs := metric.WithAttributes(attribute.String("kind", string(kind)))

	if reimageLabelCounter != nil && labeled > 0 {
		reimageLabelCounter.Add(ctx, int64(labeled), attrs)
	}

	if reimageFailureCounter != nil && failed > 0 {
		reimageFailureCounter.Add(ctx, int64(failed), attrs)
	}
}
