// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatcher

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/sagehq/sage/pkg/config"
	"github.com/sagehq/sage/pkg/tool"
)

// runBatch groups calls by their effective concurrency mode — a tool's
// own ConcurrencyModer override if it has one, otherwise the
// dispatcher's configured mode — and schedules each group accordingly.
// Groups themselves run concurrently with each other; only calls within
// an ExclusiveByType or Sequential group are serialized against one
// another. Results are written into their input position, so the
// returned slice preserves input order regardless of completion order
// or grouping.
func (d *Dispatcher) runBatch(ctx context.Context, calls []tool.Call, one func(context.Context, tool.Call) tool.ExecutionResult) []tool.ExecutionResult {
	results := make([]tool.ExecutionResult, len(calls))

	groups := make(map[config.ConcurrencyMode][]int)
	d.mu.RLock()
	for i, c := range calls {
		mode := d.concurrency
		if t, ok := d.tools[c.Name]; ok {
			mode = tool.ConcurrencyModeOf(t, d.concurrency)
		}
		groups[mode] = append(groups[mode], i)
	}
	d.mu.RUnlock()

	var wg sync.WaitGroup
	for mode, idxs := range groups {
		mode, idxs := mode, idxs
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.runGroup(ctx, mode, idxs, calls, results, one)
		}()
	}
	wg.Wait()

	return results
}

// runGroup executes the calls at idxs (all sharing one concurrency
// mode) according to that mode, writing each result into results at its
// original batch index.
func (d *Dispatcher) runGroup(ctx context.Context, mode config.ConcurrencyMode, idxs []int, calls []tool.Call, results []tool.ExecutionResult, one func(context.Context, tool.Call) tool.ExecutionResult) {
	switch mode {
	case config.ConcurrencySequential:
		// Sequential is a dispatcher-wide mutex, not merely a per-batch
		// one: two concurrent DispatchBatch calls with Sequential-mode
		// tools never interleave their calls.
		d.sequentialMu.Lock()
		defer d.sequentialMu.Unlock()
		for _, i := range idxs {
			results[i] = one(ctx, calls[i])
		}

	case config.ConcurrencyLimited:
		limit := d.concurrencyLimit
		if limit <= 0 {
			limit = 4
		}
		sem := semaphore.NewWeighted(int64(limit))
		var wg sync.WaitGroup
		for _, i := range idxs {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := sem.Acquire(ctx, 1); err != nil {
					results[i] = tool.ExecutionResult{CallID: calls[i].ID, Error: cancelled().Error(), IsError: true}
					return
				}
				defer sem.Release(1)
				results[i] = one(ctx, calls[i])
			}()
		}
		wg.Wait()

	case config.ConcurrencyExclusiveByType:
		var wg sync.WaitGroup
		for _, i := range idxs {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				mu := d.typeMutex(calls[i].Name)
				mu.Lock()
				defer mu.Unlock()
				results[i] = one(ctx, calls[i])
			}()
		}
		wg.Wait()

	default: // parallel
		var wg sync.WaitGroup
		for _, i := range idxs {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = one(ctx, calls[i])
			}()
		}
		wg.Wait()
	}
}

// typeMutex returns the per-tool-name mutex used by ExclusiveByType,
// creating it on first use.
func (d *Dispatcher) typeMutex(toolName string) *sync.Mutex {
	d.exclusiveMu.Lock()
	defer d.exclusiveMu.Unlock()
	mu, ok := d.exclusiveByType[toolName]
	if !ok {
		mu = &sync.Mutex{}
		d.exclusiveByType[toolName] = mu
	}
	return mu
}
