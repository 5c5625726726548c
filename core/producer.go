// core/producer.go
package core

// Block producer (C7): fixed-cadence production loop, genesis bootstrap,
// parent selection, execution, root computation and broadcast. Grounded
// on the teacher's block_producer pattern in consensus.go (ticker loop +
// shared running flag) and ledger.go's genesis-on-first-run check.

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// Producer metrics (§4.6), exposed for the (excluded) RPC/HTTP shell to
// scrape — ambient observability, not gated by the RPC-shell Non-goal.
// promauto registers on the default registry once per process; re-running
// NewProducer in the same process (e.g. repeated test construction) is
// safe since the collectors are package-level singletons.
var (
	metricChainHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "synnergy_chain_height",
		Help: "Height of the most recently produced block.",
	})
	metricBlocksProduced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synnergy_blocks_produced_total",
		Help: "Total number of blocks produced by this node.",
	})
)

// ProducerConfig configures the production loop (§4.6).
type ProducerConfig struct {
	BlockPeriod   time.Duration
	MaxTxPerBlock int
	RewardAddress Address
	// RewardAmount is denominated in the smallest unit. The default is 10,
	// not 10 * 10^18: balances are plain uint64 (see statedb.go), and
	// crediting 10 * 10^18 per block would wrap a balance at the second
	// block.
	RewardAmount  uint64
	ChainID       uint64
	ProposerKey   PublicKey
	GenesisParams GhostDAGParams
}

// DefaultProducerConfig mirrors the §4.6/§4.5.6 devnet defaults.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		BlockPeriod:   2 * time.Second,
		MaxTxPerBlock: 100,
		RewardAddress: DefaultAdmin,
		RewardAmount:  10,
		GenesisParams: DefaultGhostDAGParams(),
	}
}

// Broadcaster is the outbound hook the producer uses to gossip newly
// produced blocks (§4.6 step 10). P2P wires its own implementation in;
// tests can supply a no-op.
type Broadcaster interface {
	BroadcastBlock(b *Block)
}

// noopBroadcaster discards blocks; used until a real peer manager attaches.
type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastBlock(*Block) {}

// Producer implements C7.
type Producer struct {
	cfg      ProducerConfig
	storage  *Storage
	state    *StateDB
	ghostdag *GhostDAG
	mempool  *Mempool
	executor *Executor
	bcast    Broadcaster

	log *logrus.Logger

	running atomic.Bool
	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewProducer wires the block producer. GhostDAG genesis seeding happens
// lazily on first Start() (or RunOnce when no prior block exists), per
// §4.6 step 1.
func NewProducer(cfg ProducerConfig, storage *Storage, state *StateDB, mempool *Mempool, executor *Executor, bcast Broadcaster, log *logrus.Logger) *Producer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if bcast == nil {
		bcast = noopBroadcaster{}
	}
	return &Producer{
		cfg:      cfg,
		storage:  storage,
		state:    state,
		mempool:  mempool,
		executor: executor,
		bcast:    bcast,
		log:      log,
	}
}

// AttachGhostDAG wires an already-constructed engine (e.g. one restored
// from storage on restart). Must be called, or RunOnce bootstraps genesis
// and constructs one itself on first tick.
func (p *Producer) AttachGhostDAG(g *GhostDAG) { p.ghostdag = g }

// GhostDAG exposes the engine the producer bootstrapped, so callers that
// construct a PeerManager before genesis runs can wire it in afterward.
func (p *Producer) GhostDAG() *GhostDAG { return p.ghostdag }

// Start runs the fixed-cadence loop in its own goroutine until Stop is
// called (§4.6: "shared running flag set to false ends the loop after the
// current tick").
func (p *Producer) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.loop()
}

// Stop requests a graceful shutdown and blocks until the in-flight tick
// (if any) completes.
func (p *Producer) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.mu.Lock()
	stopCh := p.stopCh
	doneCh := p.doneCh
	p.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
	}
	if doneCh != nil {
		<-doneCh
	}
}

func (p *Producer) loop() {
	p.mu.Lock()
	doneCh := p.doneCh
	stopCh := p.stopCh
	p.mu.Unlock()
	defer close(doneCh)

	period := p.cfg.BlockPeriod
	if period <= 0 {
		period = 2 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if !p.running.Load() {
				return
			}
			if _, err := p.RunOnce(); err != nil {
				p.log.WithError(err).Warn("producer: tick failed")
			}
		}
	}
}

// RunOnce executes a single production tick (§4.6 steps 1-10), producing
// and persisting at most one block. It is exported so tests and a manual
// "mine one block" CLI command can drive it without the ticker loop.
func (p *Producer) RunOnce() (*Block, error) {
	// Step 1: genesis bootstrap.
	if p.storage.GetLatestHeight() == 0 && !p.storage.HasBlock(ZeroHash) {
		if _, ok, _ := p.storage.GetBlockByHeight(0); !ok {
			return p.produceGenesis()
		}
	}
	if p.ghostdag == nil {
		return nil, ErrParentMissing
	}

	// Step 2.
	tips := p.ghostdag.GetTips()
	if len(tips) == 0 {
		return nil, ErrParentMissing
	}

	// Step 3.
	selected, merges, err := p.ghostdag.SelectParents(tips)
	if err != nil {
		return nil, err
	}

	// Step 4.
	limit := p.cfg.MaxTxPerBlock
	if limit <= 0 {
		limit = 100
	}
	txs := p.mempool.GetTransactions(limit)

	selHeight, _ := p.ghostdag.Height(selected)
	now := time.Now().Unix()

	header := BlockHeader{
		Version:            1,
		SelectedParentHash: selected,
		MergeParentHashes:  merges,
		Timestamp:          now,
		Height:             selHeight + 1,
		ProposerPubkey:      p.cfg.ProposerKey,
		GasLimit:            30_000_000,
	}

	ectx := &ExecutionContext{
		BlockNumber:   header.Height,
		BlockTime:     now,
		Coinbase:      p.cfg.RewardAddress,
		ChainID:       p.cfg.ChainID,
		BlockGasLimit: header.GasLimit,
	}

	// Step 5: execute every pulled tx, collecting receipts. A failed tx
	// still produces a status=false receipt and is still included.
	receipts := make([]*TransactionReceipt, 0, len(txs))
	included := make([]*Transaction, 0, len(txs))
	var totalGasUsed uint64
	for _, tx := range txs {
		receipt, err := p.executor.ExecuteTransaction(Hash{}, header.Height, tx, ectx)
		if err != nil {
			// InsufficientBalance-class errors: tx not included at all.
			p.mempool.RemoveTransaction(tx.Hash)
			continue
		}
		receipts = append(receipts, receipt)
		included = append(included, tx)
		totalGasUsed += receipt.GasUsed
	}
	header.GasUsed = totalGasUsed

	// Step 6.
	stateRoot := p.state.Commit()

	// Step 7.
	txRoot := ComputeTxRoot(included)
	receiptRoot := ComputeReceiptRoot(receipts)

	// Step 8: preview blue_score/blue_work so block_hash can be finished
	// before ghostdag.add_block runs (§4.6 steps 8-9 ordering).
	blueScore, blueWorkHi, blueWorkLo, err := p.ghostdag.PreviewBlueScore(selected, merges)
	if err != nil {
		return nil, err
	}
	var blueWork [16]byte
	putU64BE(blueWork[0:8], blueWorkHi)
	putU64BE(blueWork[8:16], blueWorkLo)
	header.BlueWork = blueWork
	header.BlockHash = ComputeBlockHash(selected, merges, header.Height, blueScore)

	// Step 9 (ghostdag half): commit the real block hash into the engine.
	if _, _, _, err := p.ghostdag.AddBlock(header.BlockHash, append([]Hash{selected}, merges...)); err != nil {
		return nil, err
	}

	block := &Block{
		Header:       header,
		StateRoot:    stateRoot,
		TxRoot:       txRoot,
		ReceiptRoot:  receiptRoot,
		ArtifactRoot: Hash{},
		GhostDAGK:    p.cfg.GenesisParams.K,
		Transactions: included,
	}

	for _, r := range receipts {
		r.BlockHash = header.BlockHash
	}

	// Step 9.
	if err := p.storage.PutBlock(block); err != nil {
		return nil, err
	}
	if err := p.storage.PutTransactions(header.BlockHash, included); err != nil {
		return nil, err
	}
	if err := p.storage.PutReceipts(receipts); err != nil {
		return nil, err
	}
	for _, tx := range included {
		p.mempool.RemoveTransaction(tx.Hash)
	}
	p.state.Credit(p.cfg.RewardAddress, p.cfg.RewardAmount)

	// Step 10.
	p.bcast.BroadcastBlock(block)

	metricChainHeight.Set(float64(header.Height))
	metricBlocksProduced.Inc()

	p.log.WithFields(logrus.Fields{
		"height": header.Height,
		"hash":   header.BlockHash.String(),
		"txs":    len(included),
	}).Info("producer: block produced")

	return block, nil
}

func (p *Producer) produceGenesis() (*Block, error) {
	header := BlockHeader{
		Version:   1,
		Height:    0,
		Timestamp: time.Now().Unix(),
	}
	header.BlockHash = ComputeBlockHash(Hash{}, nil, 0, 0)

	block := &Block{Header: header}
	if err := p.storage.PutBlock(block); err != nil {
		return nil, err
	}
	p.ghostdag = NewGhostDAG(p.cfg.GenesisParams, header.BlockHash, p.log)
	metricChainHeight.Set(0)
	metricBlocksProduced.Inc()
	p.log.WithField("hash", header.BlockHash.String()).Info("producer: genesis written")
	return block, nil
}

func putU64BE(dst []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		dst[i] = byte(v)
		v >>= 8
	}
}
