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

package central

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/carverauto/assetradar/pkg/models"
)

const meterName = "github.com/carverauto/assetradar/pkg/central"

var (
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	meterOnce sync.Once
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	promotionCounter metric.Int64Counter
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	promotionDuration metric.Float64Histogram
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	swapFailureCounter metric.Int64Counter
)

func initMeter() {
	meter := otel.Meter(meterName)

	var err error

	promotionCounter, err = meter.Int64Counter(
		"central_promotions_total",
		metric.WithDescription("Completed promotions by result"),
	)
	if err != nil {
		otel.Handle(err)
	}

	promotionDuration, err = meter.Float64Histogram(
		"central_promotion_duration_seconds",
		metric.WithDescription("Wall time of one promotion"),
		metric.WithUnit("s"),
	)
	if err != nil {
		otel.Handle(err)
	}

	swapFailureCounter, err = meter.Int64Counter(
		"central_swap_failures_total",
		metric.WithDescription("Collection swaps that failed during promotion"),
	)
	if err != nil {
		otel.Handle(err)
	}
}

func recordPromotion(ctx context.Context, degraded bool, took time.Duration) {
	meterOnce.Do(initMeter)

	result := "ok"
	if degraded {
		result = "degraded"
	}

	if promotionCounter != nil {
		promotionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}

	if promotionDuration != nil {
		promotionDuration.Record(ctx, took.Seconds())
	}
}

func recordSwapFailure(ctx context.Context, name models.CollectionName) {
	meterOnce.Do(initMeter)

	if swapFailureCounter != nil {
		swapFailureCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("collection", string(name))))
	}
}
