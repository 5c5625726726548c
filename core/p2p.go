// core/p2p.go
package core

// Peer manager & iterative sync (C8, §4.7). Grounded on the teacher's
// network.go (libp2p host + gossipsub bootstrap, Node/Peer/NodeID/Config
// shapes from common_structs.go, DialSeed/mDNS discovery pattern) adapted
// from the teacher's topic-only gossip model to the spec's explicit
// message set: gossip for NewBlock/NewTransaction plus a length-prefixed
// JSON request/response stream protocol for GetBlocks/Blocks/GetHeaders/
// Headers/GetTransactions/Transactions/GetPeers/Peers.

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// metricIngestQueueDepth tracks the bounded ingestion queue's occupancy
// (§4.7 backpressure), exposed the same way the producer's gauges are.
var metricIngestQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "synnergy_p2p_ingest_queue_depth",
	Help: "Number of blocks currently queued for ingestion.",
})

const (
	topicNewBlock       = "synnergy/new-block/1"
	topicNewTransaction = "synnergy/new-tx/1"
	syncProtocolID      = protocol.ID("/synnergy/sync/1")

	handshakeTimeout = 5 * time.Second
	idleTimeout      = 60 * time.Second
	ingestQueueCap   = 200
	bulkSyncInterval = 10 * time.Second
)

// MessageKind tags the framed request/response message set (§4.7).
type MessageKind string

const (
	MsgHandshake      MessageKind = "Handshake"
	MsgGetBlocks      MessageKind = "GetBlocks"
	MsgBlocks         MessageKind = "Blocks"
	MsgGetHeaders     MessageKind = "GetHeaders"
	MsgHeaders        MessageKind = "Headers"
	MsgGetTransactions MessageKind = "GetTransactions"
	MsgTransactions   MessageKind = "Transactions"
	MsgGetPeers       MessageKind = "GetPeers"
	MsgPeers          MessageKind = "Peers"
)

// WireMessage is the length-prefixed frame's payload envelope.
type WireMessage struct {
	Kind MessageKind     `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// HandshakeBody conveys network identity and head (§4.7).
type HandshakeBody struct {
	NetworkID   uint64 `json:"network_id"`
	GenesisHash Hash   `json:"genesis_hash"`
	HeadHeight  uint64 `json:"head_height"`
	HeadHash    Hash   `json:"head_hash"`
}

type GetBlocksBody struct {
	From  Hash   `json:"from"`
	Count uint32 `json:"count"`
	Step  uint32 `json:"step"`
}

type BlocksBody struct{ Blocks []*Block `json:"blocks"` }

type GetHeadersBody struct {
	From  Hash   `json:"from"`
	Count uint32 `json:"count"`
}

type HeadersBody struct{ Headers []BlockHeader `json:"headers"` }

type NewTransactionBody struct{ Tx *Transaction `json:"tx"` }

type GetTransactionsBody struct{ Hashes []Hash `json:"hashes"` }

type TransactionsBody struct{ Txs []*Transaction `json:"txs"` }

type PeersBody struct{ List []string `json:"list"` }

// P2PConfig configures the peer manager (§4.7, §6).
type P2PConfig struct {
	ListenAddr       string
	BootstrapPeers   []string
	NetworkID        uint64
	GenesisHash      Hash
	AutoConnectOnGetPeers bool // disabled in testnet/mainnet per §4.7
}

// peerState tracks per-peer bookkeeping the manager needs for backpressure
// and disconnection (§4.7).
type peerState struct {
	id         peer.ID
	lastActive time.Time
	score      int
}

// pendingEntry holds a block awaiting its missing parent(s).
type pendingEntry struct {
	block        *Block
	missing      map[Hash]struct{}
}

// PeerManager implements C8.
type PeerManager struct {
	cfg   P2PConfig
	host  hostIface
	ps    *pubsub.PubSub
	log   *logrus.Logger

	storage  *Storage
	ghostdag *GhostDAG
	mempool  *Mempool
	executor *Executor

	peerMu sync.Mutex
	peers  map[peer.ID]*peerState

	ingestCh chan *Block
	pendMu   sync.Mutex
	pending  map[Hash]*pendingEntry // keyed by missing-parent hash

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// hostIface narrows libp2p's host.Host down to what this file uses, so
// tests can supply a fake.
type hostIface interface {
	ID() peer.ID
	Connect(ctx context.Context, pi peer.AddrInfo) error
	SetStreamHandler(pid protocol.ID, handler network.StreamHandler)
	NewStream(ctx context.Context, p peer.ID, pids ...protocol.ID) (network.Stream, error)
	Close() error
}

// NewPeerManager bootstraps a libp2p host, joins the gossip topics, and
// registers the sync stream handler (§4.7).
func NewPeerManager(cfg P2PConfig, storage *Storage, ghostdag *GhostDAG, mempool *Mempool, executor *Executor, log *logrus.Logger) (*PeerManager, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		return nil, fmt.Errorf("p2p: create host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(context.Background(), h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("p2p: create pubsub: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	pm := &PeerManager{
		cfg:      cfg,
		host:     h,
		ps:       ps,
		log:      log,
		storage:  storage,
		ghostdag: ghostdag,
		mempool:  mempool,
		executor: executor,
		peers:    make(map[peer.ID]*peerState),
		ingestCh: make(chan *Block, ingestQueueCap),
		pending:  make(map[Hash]*pendingEntry),
		ctx:      ctx,
		cancel:   cancel,
	}
	h.SetStreamHandler(syncProtocolID, pm.handleStream)
	if err := pm.dialSeeds(cfg.BootstrapPeers); err != nil {
		log.Warnf("p2p: dial seeds: %v", err)
	}
	return pm, nil
}

// AttachGhostDAG wires an engine constructed after the peer manager (e.g.
// once the producer has bootstrapped genesis).
func (pm *PeerManager) AttachGhostDAG(g *GhostDAG) { pm.ghostdag = g }

func (pm *PeerManager) dialSeeds(seeds []string) error {
	var firstErr error
	for _, addr := range seeds {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := pm.host.Connect(pm.ctx, *pi); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		pm.peerMu.Lock()
		pm.peers[pi.ID] = &peerState{id: pi.ID, lastActive: time.Now()}
		pm.peerMu.Unlock()
	}
	return firstErr
}

// Start launches the ingestion worker and the bulk-sync loop (§4.7).
func (pm *PeerManager) Start() {
	pm.wg.Add(2)
	go pm.ingestWorker()
	go pm.bulkSyncLoop()
}

// Stop cancels both background loops and closes the host.
func (pm *PeerManager) Stop() {
	pm.cancel()
	pm.wg.Wait()
	pm.host.Close()
}

// BroadcastBlock gossips a newly produced or relayed block (satisfies the
// Broadcaster interface the producer depends on).
func (pm *PeerManager) BroadcastBlock(b *Block) {
	data, err := json.Marshal(b)
	if err != nil {
		pm.log.WithError(err).Warn("p2p: marshal block for broadcast")
		return
	}
	if err := pm.publish(topicNewBlock, data); err != nil {
		pm.log.WithError(err).Warn("p2p: broadcast block")
	}
}

// BroadcastTransaction gossips a newly admitted transaction.
func (pm *PeerManager) BroadcastTransaction(tx *Transaction) {
	data, err := json.Marshal(tx)
	if err != nil {
		return
	}
	_ = pm.publish(topicNewTransaction, data)
}

func (pm *PeerManager) publish(topic string, data []byte) error {
	t, err := pm.ps.Join(topic)
	if err != nil {
		return err
	}
	return t.Publish(pm.ctx, data)
}

// EnqueueBlock feeds a block received off the wire into the ingestion
// queue (§4.7 Ingestion). Overflow drops the oldest queued block and
// downscores the sending peer.
func (pm *PeerManager) EnqueueBlock(b *Block, from peer.ID) {
	select {
	case pm.ingestCh <- b:
	default:
		select {
		case <-pm.ingestCh:
		default:
		}
		pm.ingestCh <- b
		pm.downscore(from)
	}
	metricIngestQueueDepth.Set(float64(len(pm.ingestCh)))
}

func (pm *PeerManager) downscore(id peer.ID) {
	pm.peerMu.Lock()
	defer pm.peerMu.Unlock()
	if st, ok := pm.peers[id]; ok {
		st.score--
	}
}

// ingestWorker is the single iterative (non-recursive) consumer described
// in §4.7: pop, check stored/parents, add-or-hold, release waiters.
func (pm *PeerManager) ingestWorker() {
	defer pm.wg.Done()
	for {
		select {
		case <-pm.ctx.Done():
			return
		case b := <-pm.ingestCh:
			metricIngestQueueDepth.Set(float64(len(pm.ingestCh)))
			pm.ingestOne(b)
		}
	}
}

func (pm *PeerManager) ingestOne(b *Block) {
	h := b.Header.BlockHash
	if pm.storage.HasBlock(h) {
		return
	}

	parents := append([]Hash{b.Header.SelectedParentHash}, b.Header.MergeParentHashes...)
	missing := make(map[Hash]struct{})
	for _, p := range parents {
		if !p.IsZero() && !pm.ghostdag.Has(p) {
			missing[p] = struct{}{}
		}
	}
	if len(missing) > 0 {
		pm.pendMu.Lock()
		for p := range missing {
			pm.pending[p] = &pendingEntry{block: b, missing: missing}
		}
		pm.pendMu.Unlock()
		return
	}

	pm.acceptBlock(b, parents)
}

func (pm *PeerManager) acceptBlock(b *Block, parents []Hash) {
	h := b.Header.BlockHash
	if _, _, _, err := pm.ghostdag.AddBlock(h, parents); err != nil {
		pm.log.WithError(err).Warn("p2p: add_block failed")
		return
	}
	if err := pm.storage.PutBlock(b); err != nil {
		pm.log.WithError(err).Warn("p2p: put_block failed")
		return
	}
	_ = pm.storage.PutTransactions(h, b.Transactions)
	for _, tx := range b.Transactions {
		pm.mempool.RemoveTransaction(tx.Hash)
	}
	pm.BroadcastBlock(b)

	// Releasing waiters: any pending block whose missing set included this
	// hash may now be re-enqueued for another pass.
	pm.pendMu.Lock()
	var released []*Block
	if entry, ok := pm.pending[h]; ok {
		delete(entry.missing, h)
		if len(entry.missing) == 0 {
			released = append(released, entry.block)
		}
		delete(pm.pending, h)
	}
	pm.pendMu.Unlock()
	for _, rb := range released {
		// Re-enqueued rather than ingested here, so ingestion stays
		// iterative. Non-blocking: this runs on the queue's only consumer,
		// and a released block that does not fit is dropped.
		select {
		case pm.ingestCh <- rb:
		default:
			pm.log.WithField("hash", rb.Header.BlockHash.String()).Warn("p2p: ingest queue full, released block dropped")
		}
	}
	metricIngestQueueDepth.Set(float64(len(pm.ingestCh)))
}

// bulkSyncLoop requests blocks from a peer every 10s when peers > 0
// (§4.7 Bulk sync loop).
func (pm *PeerManager) bulkSyncLoop() {
	defer pm.wg.Done()
	ticker := time.NewTicker(bulkSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-pm.ctx.Done():
			return
		case <-ticker.C:
			pm.runBulkSync()
		}
	}
}

func (pm *PeerManager) runBulkSync() {
	pm.peerMu.Lock()
	var target peer.ID
	found := false
	for id := range pm.peers {
		target = id
		found = true
		break
	}
	pm.peerMu.Unlock()
	if !found {
		return
	}

	from := Hash{}
	if latest, ok, _ := pm.storage.GetBlockByHeight(pm.storage.GetLatestHeight()); ok {
		from = latest.Header.BlockHash
	}
	body, _ := json.Marshal(GetBlocksBody{From: from, Count: 100, Step: 1})
	resp, err := pm.request(target, WireMessage{Kind: MsgGetBlocks, Body: body})
	if err != nil {
		pm.log.WithError(err).Debug("p2p: bulk sync request failed")
		return
	}
	if resp.Kind != MsgBlocks {
		return
	}
	var blocks BlocksBody
	if err := json.Unmarshal(resp.Body, &blocks); err != nil {
		return
	}
	for _, b := range blocks.Blocks {
		pm.EnqueueBlock(b, target)
	}
}

// request opens a stream to peer id, writes msg framed with a 4-byte
// big-endian length prefix, and reads one framed response.
func (pm *PeerManager) request(id peer.ID, msg WireMessage) (*WireMessage, error) {
	ctx, cancel := context.WithTimeout(pm.ctx, handshakeTimeout)
	defer cancel()
	s, err := pm.host.NewStream(ctx, id, syncProtocolID)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	if err := writeFrame(s, msg); err != nil {
		return nil, err
	}
	resp, err := readFrame(bufio.NewReader(s))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// handleStream serves one inbound stream's request/response exchange
// (§4.7 serving GetBlocks etc., handshake gating).
func (pm *PeerManager) handleStream(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(idleTimeout))
	reader := bufio.NewReader(s)

	msg, err := readFrame(reader)
	if err != nil {
		return
	}

	var resp WireMessage
	switch msg.Kind {
	case MsgHandshake:
		var hs HandshakeBody
		if err := json.Unmarshal(msg.Body, &hs); err != nil {
			return
		}
		if hs.NetworkID != pm.cfg.NetworkID || hs.GenesisHash != pm.cfg.GenesisHash {
			return // handshake mismatch: drop the connection silently
		}
		ourHeight := pm.storage.GetLatestHeight()
		our, _, _ := pm.storage.GetBlockByHeight(ourHeight)
		var ourHash Hash
		if our != nil {
			ourHash = our.Header.BlockHash
		}
		body, _ := json.Marshal(HandshakeBody{
			NetworkID: pm.cfg.NetworkID, GenesisHash: pm.cfg.GenesisHash,
			HeadHeight: ourHeight, HeadHash: ourHash,
		})
		resp = WireMessage{Kind: MsgHandshake, Body: body}

	case MsgGetBlocks:
		resp = pm.serveGetBlocks(msg.Body)
	case MsgGetHeaders:
		resp = pm.serveGetHeaders(msg.Body)
	case MsgGetTransactions:
		resp = pm.serveGetTransactions(msg.Body)
	case MsgGetPeers:
		resp = pm.serveGetPeers()
	case MsgBlocks:
		var blocks BlocksBody
		if json.Unmarshal(msg.Body, &blocks) == nil {
			for _, b := range blocks.Blocks {
				pm.EnqueueBlock(b, s.Conn().RemotePeer())
			}
		}
		return
	default:
		return
	}

	_ = writeFrame(s, resp)
}

// serveGetBlocks implements §4.7's "Serving GetBlocks": locate from, return
// blocks from height(from)+1 up to count or tip; from==0 starts at genesis.
func (pm *PeerManager) serveGetBlocks(body json.RawMessage) WireMessage {
	var req GetBlocksBody
	if err := json.Unmarshal(body, &req); err != nil {
		return errResponse(MsgBlocks)
	}
	startHeight := uint64(0)
	if !req.From.IsZero() {
		fromBlock, ok, _ := pm.storage.GetBlock(req.From)
		if !ok {
			return WireMessage{Kind: MsgBlocks, Body: mustJSON(BlocksBody{})}
		}
		startHeight = fromBlock.Header.Height + 1
	}
	count := req.Count
	if count == 0 {
		count = 100
	}
	tip := pm.storage.GetLatestHeight()
	out := make([]*Block, 0, count)
	for h := startHeight; h <= tip && uint32(len(out)) < count; h++ {
		b, ok, _ := pm.storage.GetBlockByHeight(h)
		if ok {
			out = append(out, b)
		}
	}
	return WireMessage{Kind: MsgBlocks, Body: mustJSON(BlocksBody{Blocks: out})}
}

func (pm *PeerManager) serveGetHeaders(body json.RawMessage) WireMessage {
	var req GetHeadersBody
	if err := json.Unmarshal(body, &req); err != nil {
		return errResponse(MsgHeaders)
	}
	startHeight := uint64(0)
	if !req.From.IsZero() {
		fromBlock, ok, _ := pm.storage.GetBlock(req.From)
		if !ok {
			return WireMessage{Kind: MsgHeaders, Body: mustJSON(HeadersBody{})}
		}
		startHeight = fromBlock.Header.Height + 1
	}
	count := req.Count
	if count == 0 {
		count = 100
	}
	tip := pm.storage.GetLatestHeight()
	out := make([]BlockHeader, 0, count)
	for h := startHeight; h <= tip && uint32(len(out)) < count; h++ {
		b, ok, _ := pm.storage.GetBlockByHeight(h)
		if ok {
			out = append(out, b.Header)
		}
	}
	return WireMessage{Kind: MsgHeaders, Body: mustJSON(HeadersBody{Headers: out})}
}

func (pm *PeerManager) serveGetTransactions(body json.RawMessage) WireMessage {
	var req GetTransactionsBody
	if err := json.Unmarshal(body, &req); err != nil {
		return errResponse(MsgTransactions)
	}
	out := make([]*Transaction, 0, len(req.Hashes))
	for _, h := range req.Hashes {
		if tx, ok := pm.mempool.GetTransaction(h); ok {
			out = append(out, tx)
		}
	}
	return WireMessage{Kind: MsgTransactions, Body: mustJSON(TransactionsBody{Txs: out})}
}

func (pm *PeerManager) serveGetPeers() WireMessage {
	// §4.7: discovery is gated by configuration; the node never
	// auto-connects to discovered peers in testnet/mainnet, but always
	// answers a GetPeers query with its known peer IDs.
	pm.peerMu.Lock()
	list := make([]string, 0, len(pm.peers))
	for id := range pm.peers {
		list = append(list, id.String())
	}
	pm.peerMu.Unlock()
	return WireMessage{Kind: MsgPeers, Body: mustJSON(PeersBody{List: list})}
}

func errResponse(kind MessageKind) WireMessage {
	return WireMessage{Kind: kind, Body: mustJSON(struct{}{})}
}

func mustJSON(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func writeFrame(w io.Writer, msg WireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(data)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func readFrame(r *bufio.Reader) (*WireMessage, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(length[:])
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	var msg WireMessage
	if err := json.Unmarshal(buf, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
