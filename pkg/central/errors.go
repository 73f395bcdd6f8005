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
	"errors"
	"fmt"

	"github.com/carverauto/assetradar/pkg/models"
)

var (
	ErrPromotionInProgress   = errors.New("promotion already in progress")
	ErrShadowBuildInProgress = errors.New("shadow build already in progress")
	ErrRollbackInProgress    = errors.New("rollback already in progress")
	ErrNotIndexed            = errors.New("no indexed shadow to promote")
	ErrNoShadow              = errors.New("collection has no shadow")
	ErrNoPrevious            = errors.New("collection has no previous generation")
	ErrUnknownCollection     = errors.New("unknown collection")
)

// PromotionError reports one collection that failed to swap. Sibling
// collections are promoted regardless.
type PromotionError struct {
	Collection models.CollectionName
	Op         string
	Err        error
}

func (e *PromotionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *PromotionError) Unwrap() error {
	return e.Err
}
