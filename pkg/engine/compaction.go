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

package engine

import (
	"context"
	"fmt"

	"github.com/sagehq/sage/pkg/contextbuilder"
	"github.com/sagehq/sage/pkg/message"
	"github.com/sagehq/sage/pkg/session"
)

// compactionKeepTurns is the number of most-recent main-chain messages
// that auto-compaction never folds into a summary, kept verbatim so the
// model always sees its own immediately preceding steps untouched.
const compactionKeepTurns = 6

// maybeCompact checks the current chain's token footprint against
// EngineConfig's compaction threshold and, if it's over budget,
// summarizes the oldest half of the foldable chain (everything before
// the last compactionKeepTurns messages) via e.summarizer. A no-op when
// there isn't enough history yet to make compaction worthwhile.
func (e *Engine) maybeCompact(ctx context.Context, store *session.Store) error {
	chain := store.ChainSinceCompaction()
	tokens := e.builder.EstimateTokens(message.Request{Messages: session.ConvertForResume(chain)})
	if !contextbuilder.OverBudget(tokens, e.cfg.ContextWindowTokens, e.cfg.CompactionThreshold) {
		return nil
	}

	if len(chain) <= compactionKeepTurns {
		return nil
	}
	foldable := chain[:len(chain)-compactionKeepTurns]
	cut := len(foldable) / 2
	if cut == 0 {
		return nil
	}
	toSummarize := foldable[:cut]

	summary, err := e.summarizer.Summarize(ctx, toSummarize)
	if err != nil {
		return fmt.Errorf("engine: summarizing for compaction: %w", err)
	}

	through := toSummarize[len(toSummarize)-1].UUID
	return store.Compact(summary, through)
}
