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

// Package projection fuses an Entity and its member records into the
// CanonicalView served to readers.
package projection

import (
	"fmt"
	"maps"
	"slices"

	"github.com/carverauto/assetradar/pkg/models"
)

// Projector builds canonical views. It holds no mutable state of its own and
// is safe for concurrent use.
type Projector struct {
	fields           *models.FieldRegistries
	connectionLabels map[string]string
}

// NewProjector returns a projector resolving extra fields through fields and
// annotating members with connectionLabels keyed by source id.
func NewProjector(fields *models.FieldRegistries, connectionLabels map[string]string) *Projector {
	if fields == nil {
		fields = models.NewFieldRegistries()
	}

	return &Projector{fields: fields, connectionLabels: maps.Clone(connectionLabels)}
}

type run struct {
	entity       *models.Entity
	ignoreErrors bool
	view         *models.CanonicalView
}

// fail records err. In strict mode it returns the error to abort with;
// otherwise the message is kept on the view and nil is returned.
func (r *run) fail(step string, ref models.AdapterRef, err error) error {
	perr := &ProjectionError{EntityID: r.entity.InternalAxonID, Step: step, Ref: ref, Err: err}
	if !r.ignoreErrors {
		return perr
	}

	r.view.Errors = append(r.view.Errors, perr.Error())

	return nil
}

// Project builds the view of entity from members. Members flagged pending
// delete are left out. With ignoreErrors a failing member, field, or tag is
// omitted and noted in the view's Errors instead of aborting.
func (p *Projector) Project(entity *models.Entity, members []*models.AdapterEntity, ignoreErrors bool) (*models.CanonicalView, error) {
	if entity == nil {
		return nil, &ProjectionError{Step: StepMembers, Err: fmt.Errorf("%w: nil entity", ErrMalformedMember)}
	}

	r := &run{entity: entity, ignoreErrors: ignoreErrors, view: emptyView(entity)}

	valid, err := p.filterMembers(r, members)
	if err != nil {
		return nil, err
	}

	plugins := make(map[string]struct{})

	for _, ae := range valid {
		plugin := ae.PluginName()
		plugins[plugin] = struct{}{}

		r.view.SpecificData = append(r.view.SpecificData, models.SpecificDatum{
			Type:        models.SpecificEntityData,
			PluginName:  plugin,
			SourceID:    ae.SourceID,
			NativeID:    ae.NativeID,
			AccurateFor: ae.CapturedAt,
			Data:        ae.Data,
		})

		r.view.AdaptersData[plugin] = append(r.view.AdaptersData[plugin], ae.Data)
		r.view.AdaptersMeta[plugin] = append(r.view.AdaptersMeta[plugin], p.meta(ae))

		if err := p.projectFields(r, ae); err != nil {
			return nil, err
		}

		if err := projectTags(r, ae.Ref(), ae.Tags, false); err != nil {
			return nil, err
		}
	}

	if err := projectTags(r, models.AdapterRef{}, entity.Tags, true); err != nil {
		return nil, err
	}

	r.view.Adapters = slices.Sorted(maps.Keys(plugins))
	r.view.AdapterCount = len(r.view.Adapters)

	if r.view.Adapters == nil {
		r.view.Adapters = []string{}
	}

	slices.Sort(r.view.Labels)
	r.view.Labels = slices.Compact(r.view.Labels)

	return r.view, nil
}

func emptyView(entity *models.Entity) *models.CanonicalView {
	reasons := slices.Clone(entity.CorrelationReasons)
	if reasons == nil {
		reasons = []models.CorrelationReason{}
	}

	labels := slices.Clone(entity.Labels)
	if labels == nil {
		labels = []string{}
	}

	return &models.CanonicalView{
		InternalAxonID:     entity.InternalAxonID,
		Kind:               entity.Kind,
		Adapters:           []string{},
		SpecificData:       []models.SpecificDatum{},
		AdaptersData:       map[string][]models.AdapterData{},
		AdaptersMeta:       map[string][]models.AdapterMeta{},
		GenericData:        []models.Tag{},
		Fields:             map[string][]models.FieldValue{},
		Labels:             labels,
		CorrelationReasons: reasons,
		HasNotes:           entity.HasNotes,
		AccurateFor:        entity.AccurateFor,
	}
}

// filterMembers drops pending-delete records and validates the rest,
// returning them in ref order.
func (p *Projector) filterMembers(r *run, members []*models.AdapterEntity) ([]*models.AdapterEntity, error) {
	out := make([]*models.AdapterEntity, 0, len(members))

	for _, ae := range members {
		if ae != nil && ae.PendingDelete {
			continue
		}

		if err := checkMember(r.entity.Kind, ae); err != nil {
			var ref models.AdapterRef
			if ae != nil {
				ref = ae.Ref()
			}

			if ferr := r.fail(StepMembers, ref, err); ferr != nil {
				return nil, ferr
			}

			continue
		}

		out = append(out, ae)
	}

	slices.SortFunc(out, func(a, b *models.AdapterEntity) int { return models.CompareRefs(a.Ref(), b.Ref()) })

	return out, nil
}

func checkMember(kind models.EntityKind, ae *models.AdapterEntity) error {
	switch {
	case ae == nil:
		return fmt.Errorf("%w: nil record", ErrMalformedMember)
	case ae.SourceID == "":
		return fmt.Errorf("%w: missing source_id", ErrMalformedMember)
	case ae.NativeID == "":
		return fmt.Errorf("%w: missing native_id", ErrMalformedMember)
	case ae.Kind != kind:
		return fmt.Errorf("%w: record kind %q", ErrKindMismatch, ae.Kind)
	case kind == models.KindDevices && ae.Data.User != nil:
		return fmt.Errorf("%w: user payload on a device", ErrKindMismatch)
	case kind == models.KindUsers && ae.Data.Device != nil:
		return fmt.Errorf("%w: device payload on a user", ErrKindMismatch)
	default:
		return nil
	}
}

func (p *Projector) meta(ae *models.AdapterEntity) models.AdapterMeta {
	m := models.AdapterMeta{
		SourceID:        ae.SourceID,
		NativeID:        ae.NativeID,
		CapturedAt:      ae.CapturedAt,
		Properties:      slices.Clone(ae.Data.AdapterProperties),
		ConnectionLabel: p.connectionLabels[ae.SourceID],
	}

	if ae.Data.LastSeen != nil {
		ls := *ae.Data.LastSeen
		m.LastSeen = &ls
	}

	for _, t := range ae.Tags {
		if t.Type == models.TagLabel && t.IsTrue() {
			m.Labels = append(m.Labels, t.Name)
		}
	}

	return m
}

// projectTags folds tags into the view. True label tags from either level
// feed Labels, entity-level data tags feed GenericData, and adapterdata tags
// from either level become SpecificData entries.
func projectTags(r *run, ref models.AdapterRef, tags []models.Tag, entityLevel bool) error {
	for _, t := range tags {
		if !t.Type.Valid() {
			if err := r.fail(StepTags, ref, fmt.Errorf("%w: %q on %s/%s", ErrUnknownTagType, t.Type, t.Owner, t.Name)); err != nil {
				return err
			}

			continue
		}

		switch t.Type {
		case models.TagAdapterData:
			d := models.SpecificDatum{
				Type:        models.SpecificAdapterData,
				PluginName:  models.PluginNameFromSourceID(t.Owner),
				SourceID:    t.Owner,
				AccurateFor: t.AccurateFor,
				Data:        t.Value,
			}

			switch {
			case t.AssociatedAdapter != nil:
				d.NativeID = t.AssociatedAdapter.NativeID
			case !entityLevel:
				d.NativeID = ref.NativeID
			}

			r.view.SpecificData = append(r.view.SpecificData, d)
		case models.TagData:
			if entityLevel && !t.IsFalse() {
				r.view.GenericData = append(r.view.GenericData, t)
			}
		case models.TagLabel:
			if t.IsTrue() {
				r.view.Labels = append(r.view.Labels, t.Name)
			}
		}
	}

	return nil
}
