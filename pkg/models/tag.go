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
	"reflect"
	"slices"
	"strings"
	"time"
)

type TagType string

const (
	TagLabel       TagType = "label"
	TagData        TagType = "data"
	TagAdapterData TagType = "adapterdata"
)

func (t TagType) Valid() bool {
	return t == TagLabel || t == TagData || t == TagAdapterData
}

// Tag is a timestamped annotation written by an analysis job or operator.
// Tags are upserted by (Owner, Name).
type Tag struct {
	Type              TagType     `json:"type"`
	Owner             string      `json:"plugin_unique_name"`
	Name              string      `json:"name"`
	Value             any         `json:"data"`
	AccurateFor       time.Time   `json:"accurate_for_datetime"`
	AssociatedAdapter *AdapterRef `json:"associated_adapter,omitempty"`
}

// TagKey is the upsert identity of a Tag.
type TagKey struct {
	Owner string
	Name  string
}

func (t Tag) Key() TagKey {
	return TagKey{Owner: t.Owner, Name: t.Name}
}

// IsFalse reports whether the tag value is literally the boolean false.
func (t Tag) IsFalse() bool {
	b, ok := t.Value.(bool)

	return ok && !b
}

// IsTrue reports whether the tag value is literally the boolean true.
func (t Tag) IsTrue() bool {
	b, ok := t.Value.(bool)

	return ok && b
}

// LabelTag builds a label tag carrying value true.
func LabelTag(owner, label string, at time.Time) Tag {
	return Tag{Type: TagLabel, Owner: owner, Name: label, Value: true, AccurateFor: at}
}

func CloneTags(tags []Tag) []Tag {
	if tags == nil {
		return nil
	}

	out := make([]Tag, len(tags))

	for i, t := range tags {
		out[i] = t
		if t.AssociatedAdapter != nil {
			ref := *t.AssociatedAdapter
			out[i].AssociatedAdapter = &ref
		}
	}

	return out
}

// UpsertTag replaces the tag with the same (Owner, Name) or appends it.
// When the stored tag already carries the same type and value the slice is
// returned untouched and changed is false, so re-running a job is a no-op.
func UpsertTag(tags []Tag, tag Tag) (out []Tag, changed bool) {
	for i, existing := range tags {
		if existing.Key() != tag.Key() {
			continue
		}

		if existing.Type == tag.Type && reflect.DeepEqual(existing.Value, tag.Value) {
			return tags, false
		}

		out = CloneTags(tags)
		out[i] = tag

		return out, true
	}

	out = append(CloneTags(tags), tag)

	return out, true
}

// MergeTags unions two tag sets. On an (Owner, Name) collision the tag with
// the newest AccurateFor wins. The result is ordered by owner then name.
func MergeTags(a, b []Tag) []Tag {
	byKey := make(map[TagKey]Tag, len(a)+len(b))

	for _, set := range [][]Tag{a, b} {
		for _, t := range set {
			if prev, ok := byKey[t.Key()]; ok && !t.AccurateFor.After(prev.AccurateFor) {
				continue
			}

			byKey[t.Key()] = t
		}
	}

	out := make([]Tag, 0, len(byKey))
	for _, t := range byKey {
		out = append(out, t)
	}

	slices.SortFunc(out, func(x, y Tag) int {
		if c := strings.Compare(x.Owner, y.Owner); c != 0 {
			return c
		}

		return strings.Compare(x.Name, y.Name)
	})

	return CloneTags(out)
}
