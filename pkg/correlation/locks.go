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
	"hash/fnv"
	"slices"
	"sync"

	"github.com/carverauto/assetradar/pkg/identitymap"
)

const defaultLockStripes = 256

// keyLocks serializes correlation decisions that share any correlation key.
// Keys hash onto a fixed set of stripes, locked in ascending order.
type keyLocks struct {
	stripes []sync.Mutex
}

func newKeyLocks(n int) *keyLocks {
	if n <= 0 {
		n = defaultLockStripes
	}

	return &keyLocks{stripes: make([]sync.Mutex, n)}
}

func (l *keyLocks) stripe(key identitymap.Key) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))

	return int(h.Sum32() % uint32(len(l.stripes)))
}

// Lock acquires every stripe covering keys and returns the release func.
func (l *keyLocks) Lock(keys []identitymap.Key) func() {
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		idx = append(idx, l.stripe(k))
	}

	slices.Sort(idx)
	idx = slices.Compact(idx)

	for _, i := range idx {
		l.stripes[i].Lock()
	}

	return func() {
		for i := len(idx) - 1; i >= 0; i-- {
			l.stripes[idx[i]].Unlock()
		}
	}
}
