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
	"fmt"
	"slices"
	"time"

	"github.com/carverauto/assetradar/pkg/hostname"
	"github.com/carverauto/assetradar/pkg/identitymap"
	"github.com/carverauto/assetradar/pkg/logger"
	"github.com/carverauto/assetradar/pkg/models"
	"github.com/carverauto/assetradar/pkg/store"
)

const (
	// ReimageTagOwner owns the labels written by the reimage analysis.
	ReimageTagOwner = "reimage_tags_analysis"

	reimageLabelPrefix = "Reimaged by "
)

// ReimageConfig tunes the reimage analysis.
type ReimageConfig struct {
	Enabled       bool            `json:"enabled"`
	OlderThan     models.Duration `json:"older_than"`
	NewerThan     models.Duration `json:"newer_than"`
	AgentProperty string          `json:"agent_property"`
	Interval      models.Duration `json:"interval"`
}

func DefaultReimageConfig() ReimageConfig {
	return ReimageConfig{
		Enabled:       true,
		OlderThan:     models.Duration(7 * 24 * time.Hour),
		NewerThan:     models.Duration(2 * 24 * time.Hour),
		AgentProperty: "Agent",
		Interval:      models.Duration(12 * time.Hour),
	}
}

// ReimageReport summarizes one analysis run.
type ReimageReport struct {
	Groups  int
	Labeled int
	Failed  int
}

// ReimageAnalyzer flags agent records whose MAC address reappeared under a
// new hostname. A machine wiped and reinstalled keeps its NIC but reports a
// new name, and the stale record would otherwise linger as a separate asset.
// The analysis only labels the older records; it never changes membership.
type ReimageAnalyzer struct {
	store  store.AdapterStore
	cfg    ReimageConfig
	logger logger.Logger
	now    func() time.Time
}

// NewReimageAnalyzer builds an analyzer. A nil now uses the wall clock.
func NewReimageAnalyzer(st store.AdapterStore, cfg ReimageConfig, log logger.Logger, now func() time.Time) *ReimageAnalyzer {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	if cfg.AgentProperty == "" {
		cfg.AgentProperty = DefaultReimageConfig().AgentProperty
	}

	return &ReimageAnalyzer{store: st, cfg: cfg, logger: log, now: now}
}

// Run analyzes every agent record of kind. Errors in one MAC group are
// logged and counted; the remaining groups are still processed.
func (r *ReimageAnalyzer) Run(ctx context.Context, kind models.EntityKind) (*ReimageReport, error) {
	records, err := r.store.ListAdapterEntities(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s adapter entities: %w", kind, err)
	}

	groups := make(map[string][]*models.AdapterEntity)

	for _, ae := range records {
		if ae.PendingDelete || !ae.HasProperty(r.cfg.AgentProperty) {
			continue
		}

		for _, mac := range identitymap.MACs(ae) {
			groups[mac] = append(groups[mac], ae)
		}
	}

	macs := make([]string, 0, len(groups))
	for mac, members := range groups {
		if len(members) > 1 {
			macs = append(macs, mac)
		}
	}

	slices.Sort(macs)

	report := &ReimageReport{Groups: len(macs)}
	now := r.now()

	for _, mac := range macs {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		labeled, err := r.analyzeGroup(ctx, kind, groups[mac], now)
		report.Labeled += labeled

		if err != nil {
			report.Failed++

			r.logger.Warn().Err(err).Str("mac", mac).Str("kind", string(kind)).
				Msg("Skipping MAC group in reimage analysis")
		}
	}

	recordReimage(ctx, kind, report.Labeled, report.Failed)

	r.logger.Info().
		Str("kind", string(kind)).
		Int("groups", report.Groups).
		Int("labeled", report.Labeled).
		Int("failed", report.Failed).
		Msg("Reimage analysis finished")

	return report, nil
}

func (r *ReimageAnalyzer) analyzeGroup(
	ctx context.Context, kind models.EntityKind, members []*models.AdapterEntity, now time.Time,
) (int, error) {
	var older, newer []*models.AdapterEntity

	for _, ae := range members {
		seen := ae.LastSeen()
		if seen.IsZero() {
			continue
		}

		age := now.Sub(seen)

		switch {
		case age >= r.cfg.OlderThan.Std():
			older = append(older, ae)
		case age <= r.cfg.NewerThan.Std():
			newer = append(newer, ae)
		}
	}

	if len(older) == 0 || len(newer) == 0 {
		return 0, nil
	}

	oldNames := hostnames(older)
	candidates := make([]hostname.Name, 0)

	for _, n := range hostname.Dedupe(hostnames(newer)) {
		if !slices.ContainsFunc(oldNames, func(o hostname.Name) bool { return hostname.Compare(o, n) }) {
			candidates = append(candidates, n)
		}
	}

	labeled := 0

	for _, name := range candidates {
		tag := models.LabelTag(ReimageTagOwner, reimageLabelPrefix+name.String(), now)

		for _, ae := range older {
			changed, err := r.store.UpsertAdapterTag(ctx, kind, ae.Ref(), tag)
			if err != nil {
				return labeled, fmt.Errorf("tag %s: %w", ae.Ref(), err)
			}

			if changed {
				labeled++
			}
		}
	}

	return labeled, nil
}

func hostnames(records []*models.AdapterEntity) []hostname.Name {
	out := make([]hostname.Name, 0, len(records))

	for _, ae := range records {
		if n, ok := hostname.Normalize(ae.Data.Hostname); ok {
			out = append(out, n)
		}
	}

	return out
}
