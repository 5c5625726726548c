// core/ghostdag.go
package core

// GhostDAG engine (C5) — tip set, per-block blue-score/blue-work,
// selected-parent choice, k-cluster colouring, total order (§4.4).
//
// The teacher has no DAG colouring of its own; this is new logic written
// in the teacher's idiom: a parameter struct plus a single internally
// locked engine type, following the locking/constructor conventions of
// consensus.go/consensus_params.go/consensus_weights.go, and the
// tip/fork bookkeeping idioms of chain_fork_manager.go and
// quorum_tracker.go.

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// GhostDAGParams are the tunable consensus parameters (§4.4).
type GhostDAGParams struct {
	K               uint64 // anticone size bound
	MaxParents      int
	PruningWindow   uint64
	FinalityDepth   uint64
	MaxBlueScoreDiff uint64
}

// DefaultGhostDAGParams mirrors sensible devnet defaults.
func DefaultGhostDAGParams() GhostDAGParams {
	return GhostDAGParams{
		K:                18,
		MaxParents:        10,
		PruningWindow:     100_000,
		FinalityDepth:     100,
		MaxBlueScoreDiff:  1_000_000,
	}
}

// blockDAGInfo is the per-block bookkeeping the engine keeps once a block
// is accepted.
type blockDAGInfo struct {
	hash           Hash
	selectedParent Hash
	mergeParents   []Hash
	blueScore      uint64
	blueWork       [2]uint64 // u128 as (hi, lo)
	blueSet        map[Hash]struct{}
	height         uint64
}

// GhostDAG implements C5. All state lives behind a single lock (§5:
// "GhostDAG engine holds its own lock around add_block and tip updates").
type GhostDAG struct {
	mu     sync.Mutex
	params GhostDAGParams
	blocks map[Hash]*blockDAGInfo
	tips   map[Hash]struct{}
	log    *logrus.Logger
}

// NewGhostDAG constructs an engine with genesis as its sole tip. genesis
// must already be ZeroHash-parented and is inserted with blue_score 0.
func NewGhostDAG(params GhostDAGParams, genesis Hash, log *logrus.Logger) *GhostDAG {
	if log == nil {
		log = logrus.StandardLogger()
	}
	g := &GhostDAG{
		params: params,
		blocks: make(map[Hash]*blockDAGInfo),
		tips:   make(map[Hash]struct{}),
		log:    log,
	}
	g.blocks[genesis] = &blockDAGInfo{
		hash:      genesis,
		blueScore: 0,
		blueSet:   map[Hash]struct{}{},
		height:    0,
	}
	g.tips[genesis] = struct{}{}
	return g
}

// blockWeight is the fixed per-block blue_work contribution (§4.4 step 5:
// "default: fixed constant per block").
const blockWeight = 1

// addU128 adds a uint64 increment to a (hi, lo) u128 pair.
func addU128(hi, lo uint64, inc uint64) (uint64, uint64) {
	newLo := lo + inc
	carry := uint64(0)
	if newLo < lo {
		carry = 1
	}
	return hi + carry, newLo
}

// AddBlock runs the §4.4 algorithm. parents must be non-empty and already
// validated/known, or ErrParentMissing is returned for the caller to queue
// as an orphan.
func (g *GhostDAG) AddBlock(hash Hash, parents []Hash) (blueScore uint64, blueWorkHi, blueWorkLo uint64, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.blocks[hash]; exists {
		return 0, 0, 0, ErrDuplicateBlock
	}
	if len(parents) == 0 {
		return 0, 0, 0, ErrParentMissing
	}
	if len(parents)-1 > g.params.MaxParents-1 && g.params.MaxParents > 0 {
		return 0, 0, 0, ErrParameterViolation
	}
	parentInfos := make([]*blockDAGInfo, 0, len(parents))
	for _, p := range parents {
		info, ok := g.blocks[p]
		if !ok {
			return 0, 0, 0, ErrParentMissing
		}
		parentInfos = append(parentInfos, info)
	}

	// Step 2: selected parent = argmax(blue_score, lexicographic hash tie-break).
	selected := parentInfos[0]
	for _, info := range parentInfos[1:] {
		if info.blueScore > selected.blueScore ||
			(info.blueScore == selected.blueScore && info.hash.Less(selected.hash)) {
			selected = info
		}
	}

	// Step 3: merge parents are the remaining parents, deduped and sorted.
	mergeSet := make(map[Hash]struct{})
	for _, p := range parents {
		if p != selected.hash {
			mergeSet[p] = struct{}{}
		}
	}
	mergeParents := make([]Hash, 0, len(mergeSet))
	for p := range mergeSet {
		mergeParents = append(mergeParents, p)
	}
	mergeParents = sortedMergeParents(mergeParents)
	if len(mergeParents) > g.params.MaxParents-1 && g.params.MaxParents > 0 {
		return 0, 0, 0, ErrParameterViolation
	}

	newBlueScore, newHi, newLo, blueSet := g.computeBlueScoreAndWork(selected, mergeParents)

	info := &blockDAGInfo{
		hash:           hash,
		selectedParent: selected.hash,
		mergeParents:   mergeParents,
		blueScore:      newBlueScore,
		blueWork:       [2]uint64{newHi, newLo},
		blueSet:        blueSet,
		height:         selected.height + 1,
	}
	g.blocks[hash] = info

	// Step 6: update tips.
	for _, p := range parents {
		delete(g.tips, p)
	}
	g.tips[hash] = struct{}{}

	g.log.WithFields(logrus.Fields{
		"hash":       hash.String(),
		"height":     info.height,
		"blue_score": newBlueScore,
	}).Debug("ghostdag: accepted block")

	return newBlueScore, newHi, newLo, nil
}

// computeBlueScoreAndWork implements §4.4 step 4-5: folding each merge
// parent's blue-set closure into the selected parent's, bounded by the
// k-cluster anticone rule, then deriving blue_score/blue_work. Caller
// holds g.mu. Shared by AddBlock (which persists the result) and
// PreviewBlueScore (which only needs the value ahead of hashing the
// header, per §4.6 step 8 running before §4.6 step 9's add_block).
func (g *GhostDAG) computeBlueScoreAndWork(selected *blockDAGInfo, mergeParents []Hash) (blueScore, workHi, workLo uint64, blueSet map[Hash]struct{}) {
	blueSet = make(map[Hash]struct{}, len(selected.blueSet)+1)
	for h := range selected.blueSet {
		blueSet[h] = struct{}{}
	}
	blueSet[selected.hash] = struct{}{}

	for _, mp := range mergeParents {
		mpInfo, ok := g.blocks[mp]
		if !ok {
			continue
		}
		candidate := map[Hash]struct{}{mp: {}}
		for h := range mpInfo.blueSet {
			candidate[h] = struct{}{}
		}
		if g.anticoneWithinBound(candidate, blueSet) {
			for h := range candidate {
				blueSet[h] = struct{}{}
			}
		}
		// Violating merge parents are simply not folded into the blue set
		// (they remain part of the DAG as red blocks); §4.4 doesn't reject
		// the block outright for this, only bounds its blue contribution.
	}

	blueScore = uint64(len(blueSet))
	workHi, workLo = addU128(selected.blueWork[0], selected.blueWork[1], blockWeight)
	return
}

// PreviewBlueScore computes what AddBlock would assign to a new block with
// the given selected/merge parents, without mutating engine state. Used by
// the block producer to finish the header (and thus block_hash) before
// calling AddBlock with the real hash (§4.6 steps 8-9).
func (g *GhostDAG) PreviewBlueScore(selected Hash, mergeParents []Hash) (blueScore, workHi, workLo uint64, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	info, ok := g.blocks[selected]
	if !ok {
		return 0, 0, 0, ErrParentMissing
	}
	blueScore, workHi, workLo, _ = g.computeBlueScoreAndWork(info, sortedMergeParents(mergeParents))
	return blueScore, workHi, workLo, nil
}

// anticoneWithinBound reports whether folding candidate into existing
// keeps every member's anticone within k. A simplified, deterministic
// approximation: the candidate set's own size bounds the anticone it can
// introduce, since every member of candidate already shares ancestry
// through its merge parent.
func (g *GhostDAG) anticoneWithinBound(candidate, existing map[Hash]struct{}) bool {
	overlap := 0
	for h := range candidate {
		if _, ok := existing[h]; ok {
			overlap++
		}
	}
	anticoneSize := uint64(len(candidate) - overlap)
	return anticoneSize <= g.params.K
}

// SelectTip returns argmax(blue_score, blue_work, lexicographic hash) over
// the current tip set (§4.4).
func (g *GhostDAG) SelectTip() (Hash, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.selectTipLocked()
}

func (g *GhostDAG) selectTipLocked() (Hash, bool) {
	var best *blockDAGInfo
	for h := range g.tips {
		info := g.blocks[h]
		if best == nil || better(info, best) {
			best = info
		}
	}
	if best == nil {
		return Hash{}, false
	}
	return best.hash, true
}

func better(a, b *blockDAGInfo) bool {
	if a.blueScore != b.blueScore {
		return a.blueScore > b.blueScore
	}
	if a.blueWork[0] != b.blueWork[0] {
		return a.blueWork[0] > b.blueWork[0]
	}
	if a.blueWork[1] != b.blueWork[1] {
		return a.blueWork[1] > b.blueWork[1]
	}
	return a.hash.Less(b.hash)
}

// GetTips returns a snapshot of the current tip set.
func (g *GhostDAG) GetTips() []Hash {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Hash, 0, len(g.tips))
	for h := range g.tips {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// GetBlueScore looks up a block's blue score.
func (g *GhostDAG) GetBlueScore(h Hash) (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	info, ok := g.blocks[h]
	if !ok {
		return 0, false
	}
	return info.blueScore, true
}

// GetBlueSet returns a copy of a block's k-cluster past.
func (g *GhostDAG) GetBlueSet(h Hash) ([]Hash, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	info, ok := g.blocks[h]
	if !ok {
		return nil, false
	}
	out := make([]Hash, 0, len(info.blueSet))
	for bh := range info.blueSet {
		out = append(out, bh)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, true
}

// SelectedParent returns the selected parent of h, if known.
func (g *GhostDAG) SelectedParent(h Hash) (Hash, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	info, ok := g.blocks[h]
	if !ok {
		return Hash{}, false
	}
	return info.selectedParent, true
}

// Height returns the height recorded for h.
func (g *GhostDAG) Height(h Hash) (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	info, ok := g.blocks[h]
	if !ok {
		return 0, false
	}
	return info.height, true
}

// Has reports whether h is a known, already-accepted block in the engine.
func (g *GhostDAG) Has(h Hash) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.blocks[h]
	return ok
}

// SelectParents implements §4.6 step 3: selected = max-blue-score tip
// (lexicographic tie-break), merges = remaining tips up to max_parents-1.
func (g *GhostDAG) SelectParents(tips []Hash) (selected Hash, merges []Hash, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(tips) == 0 {
		return Hash{}, nil, ErrParentMissing
	}
	var best *blockDAGInfo
	for _, h := range tips {
		info, ok := g.blocks[h]
		if !ok {
			continue
		}
		if best == nil || better(info, best) {
			best = info
		}
	}
	if best == nil {
		return Hash{}, nil, ErrParentMissing
	}
	rest := make([]Hash, 0, len(tips))
	for _, h := range tips {
		if h != best.hash {
			rest = append(rest, h)
		}
	}
	rest = sortedMergeParents(rest)
	maxMerge := g.params.MaxParents - 1
	if maxMerge > 0 && len(rest) > maxMerge {
		rest = rest[:maxMerge]
	}
	return best.hash, rest, nil
}

// TotalOrder returns the topological order among blues starting from
// genesis: selected-parent chain first, then merge parents in
// lexicographic hash order at each step (§4.4).
func (g *GhostDAG) TotalOrder(tip Hash) []Hash {
	g.mu.Lock()
	defer g.mu.Unlock()

	var chain []Hash
	cur := tip
	for {
		info, ok := g.blocks[cur]
		if !ok {
			break
		}
		chain = append([]Hash{cur}, chain...)
		if _, hasParent := g.blocks[info.selectedParent]; !hasParent {
			// Reached genesis (selected parent is the zero sentinel or
			// otherwise unknown to the engine).
			break
		}
		cur = info.selectedParent
	}

	out := make([]Hash, 0, len(chain))
	for _, h := range chain {
		info := g.blocks[h]
		out = append(out, h)
		merges := append([]Hash(nil), info.mergeParents...)
		sort.Slice(merges, func(i, j int) bool { return merges[i].Less(merges[j]) })
		out = append(out, merges...)
	}
	return out
}
