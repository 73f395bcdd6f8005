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

package models

import (
	"slices"
	"time"
)

// Entity is the canonical asset. It owns the grouping of member records, not
// the records themselves. Entities are never deleted: a merge points the
// absorbed entity at the survivor through TombstonedInto, and an operator
// delete sets Tombstoned.
type Entity struct {
	InternalAxonID     string              `json:"internal_axon_id"`
	Kind               EntityKind          `json:"entity_kind"`
	Members            []AdapterRef        `json:"adapters"`
	Labels             []string            `json:"labels,omitempty"`
	Tags               []Tag               `json:"tags,omitempty"`
	CorrelationReasons []CorrelationReason `json:"correlation_reasons,omitempty"`
	HasNotes           bool                `json:"has_notes,omitempty"`
	AccurateFor        time.Time           `json:"accurate_for_datetime"`
	CreatedAt          time.Time           `json:"created_at"`
	Version            int64               `json:"version"`
	TombstonedInto     string              `json:"tombstoned_into,omitempty"`
	Tombstoned         bool                `json:"tombstoned,omitempty"`
}

// Live reports whether the entity is neither merged away nor deleted.
func (e *Entity) Live() bool {
	return !e.Tombstoned && e.TombstonedInto == ""
}

func (e *Entity) HasMember(ref AdapterRef) bool {
	return slices.Contains(e.Members, ref)
}

// AddMember inserts ref keeping Members sorted. It reports whether the set changed.
func (e *Entity) AddMember(ref AdapterRef) bool {
	idx, found := slices.BinarySearchFunc(e.Members, ref, CompareRefs)
	if found {
		return false
	}

	e.Members = slices.Insert(e.Members, idx, ref)

	return true
}

// RemoveMember drops ref. It reports whether the set changed.
func (e *Entity) RemoveMember(ref AdapterRef) bool {
	idx := slices.Index(e.Members, ref)
	if idx < 0 {
		return false
	}

	e.Members = slices.Delete(e.Members, idx, idx+1)

	return true
}

// AddLabels merges labels into the sorted label set and reports whether it changed.
func (e *Entity) AddLabels(labels ...string) bool {
	changed := false

	for _, l := range labels {
		if l == "" {
			continue
		}

		idx, found := slices.BinarySearch(e.Labels, l)
		if found {
			continue
		}

		e.Labels = slices.Insert(e.Labels, idx, l)
		changed = true
	}

	return changed
}

// RemoveLabels drops labels and reports whether the set changed.
func (e *Entity) RemoveLabels(labels ...string) bool {
	before := len(e.Labels)

	e.Labels = slices.DeleteFunc(e.Labels, func(l string) bool {
		return slices.Contains(labels, l)
	})

	return len(e.Labels) != before
}

func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}

	out := *e
	out.Members = slices.Clone(e.Members)
	out.Labels = slices.Clone(e.Labels)
	out.Tags = CloneTags(e.Tags)
	out.CorrelationReasons = make([]CorrelationReason, len(e.CorrelationReasons))

	for i, r := range e.CorrelationReasons {
		out.CorrelationReasons[i] = r
		out.CorrelationReasons[i].PriorIDs = slices.Clone(r.PriorIDs)
	}

	if e.CorrelationReasons == nil {
		out.CorrelationReasons = nil
	}

	return &out
}

// ReasonKind names what caused a membership decision.
type ReasonKind string

const (
	ReasonHostname ReasonKind = "hostname"
	ReasonMAC      ReasonKind = "mac"
	ReasonSerial   ReasonKind = "serial"
	// ReasonLogic marks merges decided by rules rather than a shared key,
	// such as one record reported by two instances of the same connector.
	ReasonLogic  ReasonKind = "logic"
	ReasonManual ReasonKind = "manual"
)

// CorrelationReason is one audit-trail entry on an Entity.
type CorrelationReason struct {
	Kind     ReasonKind `json:"kind"`
	Key      string     `json:"key,omitempty"`
	PriorIDs []string   `json:"prior_ids,omitempty"`
	Detail   string     `json:"detail,omitempty"`
	At       time.Time  `json:"at"`
}

// CorrelationEventType classifies a membership change.
type CorrelationEventType string

const (
	EventEntityCreated CorrelationEventType = "entity.created"
	EventMemberJoined  CorrelationEventType = "entity.member_joined"
	EventEntityMerged  CorrelationEventType = "entity.merged"
	EventMemberRemoved CorrelationEventType = "entity.member_removed"
	EventEntityDeleted CorrelationEventType = "entity.deleted"
)

// CorrelationEvent is emitted for every Entity membership change.
type CorrelationEvent struct {
	Type    CorrelationEventType `json:"type"`
	Kind    EntityKind           `json:"entity_kind"`
	OldIDs  []string             `json:"old_internal_axon_ids,omitempty"`
	NewID   string               `json:"new_internal_axon_id"`
	Reason  CorrelationReason    `json:"reason"`
	Members []AdapterRef         `json:"members,omitempty"`
	At      time.Time            `json:"at"`
}
