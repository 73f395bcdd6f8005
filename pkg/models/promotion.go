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

import "time"

// PromotionState is the lifecycle of the central aggregation store.
type PromotionState string

const (
	PromotionUninitialized PromotionState = "UNINITIALIZED"
	PromotionIndexed       PromotionState = "INDEXED"
	PromotionPromoting     PromotionState = "PROMOTING"
	PromotionLive          PromotionState = "LIVE"
)

// CollectionName names one logical collection of the central store.
type CollectionName string

const (
	CollectionDevices          CollectionName = "devices"
	CollectionUsers            CollectionName = "users"
	CollectionDevicesAdapters  CollectionName = "devices_adapters"
	CollectionUsersAdapters    CollectionName = "users_adapters"
	CollectionDevicesFields    CollectionName = "devices_fields"
	CollectionUsersFields      CollectionName = "users_fields"
	CollectionConnectionLabels CollectionName = "connection_labels"
)

// Collections lists every promoted collection in promotion order.
var Collections = []CollectionName{
	CollectionDevices,
	CollectionUsers,
	CollectionDevicesAdapters,
	CollectionUsersAdapters,
	CollectionDevicesFields,
	CollectionUsersFields,
	CollectionConnectionLabels,
}

func EntitiesCollection(kind EntityKind) CollectionName {
	if kind == KindUsers {
		return CollectionUsers
	}

	return CollectionDevices
}

func AdaptersCollection(kind EntityKind) CollectionName {
	if kind == KindUsers {
		return CollectionUsersAdapters
	}

	return CollectionDevicesAdapters
}

func FieldsCollection(kind EntityKind) CollectionName {
	if kind == KindUsers {
		return CollectionUsersFields
	}

	return CollectionDevicesFields
}

// PromotionMeta is the metadata record tracking the promotion generation
// and per-collection indexing completion.
type PromotionMeta struct {
	Generation int64                     `json:"generation"`
	State      PromotionState            `json:"state"`
	IndexedAt  time.Time                 `json:"indexed_at,omitempty"`
	PromotedAt time.Time                 `json:"promoted_at,omitempty"`
	Indexed    map[CollectionName]bool   `json:"indexed"`
	Promoted   []CollectionName          `json:"promoted,omitempty"`
	Failed     map[CollectionName]string `json:"failed,omitempty"`
}

// NodeSnapshot is a consistent copy of one collector node's collections.
type NodeSnapshot struct {
	NodeID           string                           `json:"node_id"`
	TakenAt          time.Time                        `json:"taken_at"`
	Entities         map[EntityKind][]*Entity         `json:"entities"`
	Adapters         map[EntityKind][]*AdapterEntity  `json:"adapters"`
	Fields           map[EntityKind][]FieldDescriptor `json:"fields"`
	ConnectionLabels map[string]string                `json:"connection_labels"`
}
