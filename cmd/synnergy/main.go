package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"synnergy-network/core"
	"synnergy-network/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "synnergy"}
	rootCmd.AddCommand(nodeCmd())
	rootCmd.AddCommand(chainCmd())
	rootCmd.AddCommand(mempoolCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// nodeEnv bundles the wired subsystems a command needs; built fresh per
// invocation from the loaded config, mirroring the teacher's CLI pattern
// of constructing services inline in each Run func rather than through a
// long-lived daemon object.
type nodeEnv struct {
	log      *logrus.Logger
	cfg      *config.Config
	storage  *core.Storage
	state    *core.StateDB
	mempool  *core.Mempool
	ghostdag *core.GhostDAG
	executor *core.Executor
	filters  *core.FilterRegistry
	producer *core.Producer
	peers    *core.PeerManager
}

func loadNodeEnv(configEnv string) (*nodeEnv, error) {
	log := logrus.StandardLogger()
	cfg, err := config.Load(configEnv)
	if err != nil {
		log.WithError(err).Warn("falling back to default configuration")
		cfg = &config.Config{}
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}

	storage, err := core.NewStorage(core.StorageConfig{DataDir: dataDir, BlockCacheSize: 256}, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	state := core.NewStateDB()

	if cfg.Network.GenesisFile != "" {
		alloc, err := core.LoadGenesisAlloc(cfg.Network.GenesisFile)
		if err != nil {
			log.WithError(err).Warn("genesis allocation file not applied")
		} else if skipped := core.ApplyGenesisAlloc(state, alloc); len(skipped) > 0 {
			log.WithField("addresses", skipped).Warn("genesis allocation: skipped malformed addresses")
		}
	}

	mpCfg := core.MempoolConfig{
		MinGasPrice:           cfg.Mempool.MinGasPrice,
		MaxPerSender:          cfg.Mempool.MaxPerSender,
		AllowReplacement:      cfg.Mempool.AllowReplacement,
		ChainID:               cfg.Mempool.ChainID,
		MaxSize:               cfg.Mempool.MaxSize,
		ReplacementFactor:     uint64(cfg.Mempool.ReplacementFactor),
		RequireValidSignature: cfg.Mempool.RequireValidSignature,
		TxExpirySecs:          int64(cfg.Mempool.TxExpirySecs),
	}
	if mpCfg.MaxSize == 0 {
		mpCfg.MaxSize = 5000
	}
	if mpCfg.ReplacementFactor == 0 {
		mpCfg.ReplacementFactor = 125
	}
	if mpCfg.TxExpirySecs == 0 {
		mpCfg.TxExpirySecs = 3600
	}
	mempool := core.NewMempool(mpCfg)

	executor := core.NewExecutor(state)
	filters := core.NewFilterRegistry(storage)

	env := &nodeEnv{
		log: log, cfg: cfg, storage: storage, state: state,
		mempool: mempool, executor: executor, filters: filters,
	}

	prodCfg := core.DefaultProducerConfig()
	prodCfg.ChainID = uint64(cfg.Network.ChainID)
	if cfg.Consensus.KParameter > 0 {
		prodCfg.GenesisParams.K = uint64(cfg.Consensus.KParameter)
	}
	if cfg.Consensus.BlockTimeSeconds > 0 {
		prodCfg.BlockPeriod = time.Duration(cfg.Consensus.BlockTimeSeconds) * time.Second
	}

	var broadcaster core.Broadcaster
	if cfg.EnableNetwork {
		p2pCfg := core.P2PConfig{
			ListenAddr:            cfg.Network.ListenAddr,
			BootstrapPeers:        append(cfg.Network.BootstrapPeers, cfg.Network.Bootnodes...),
			NetworkID:             uint64(cfg.Network.ChainID),
			AutoConnectOnGetPeers: cfg.Discovery,
		}
		if p2pCfg.ListenAddr == "" {
			p2pCfg.ListenAddr = "/ip4/0.0.0.0/tcp/0"
		}
		// ghostdag is attached once the producer bootstraps genesis; see
		// nodeCmd's start Run func.
		peers, err := core.NewPeerManager(p2pCfg, storage, nil, mempool, executor, log)
		if err != nil {
			log.WithError(err).Warn("p2p disabled: failed to start peer manager")
		} else {
			env.peers = peers
			broadcaster = peers
		}
	}

	env.producer = core.NewProducer(prodCfg, storage, state, mempool, executor, broadcaster, log)

	return env, nil
}

func nodeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "node"}

	var configEnv string
	start := &cobra.Command{
		Use:   "start",
		Short: "start a synnergy node: block producer, mempool, and optional p2p",
		Run: func(cmd *cobra.Command, args []string) {
			env, err := loadNodeEnv(configEnv)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			if _, err := env.producer.RunOnce(); err != nil {
				env.log.WithError(err).Warn("genesis bootstrap")
			}
			if env.peers != nil {
				env.peers.AttachGhostDAG(env.producer.GhostDAG())
				env.peers.Start()
				defer env.peers.Stop()
			}
			env.producer.Start()
			defer env.producer.Stop()

			env.log.Info("node running; press ctrl-c to stop")
			select {}
		},
	}
	start.Flags().StringVar(&configEnv, "env", "", "configuration environment (devnet|testnet|mainnet)")
	cmd.AddCommand(start)

	genesis := &cobra.Command{
		Use:   "genesis",
		Short: "write the genesis block if one does not already exist",
		Run: func(cmd *cobra.Command, args []string) {
			env, err := loadNodeEnv(configEnv)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			block, err := env.producer.RunOnce()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			if block != nil {
				fmt.Printf("genesis hash: %s\n", block.Header.BlockHash.String())
			} else {
				fmt.Println("genesis already present")
			}
		},
	}
	cmd.AddCommand(genesis)

	return cmd
}

func chainCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "chain"}
	var configEnv string

	tip := &cobra.Command{
		Use:   "tip",
		Short: "print the current chain tip height and hash",
		Run: func(cmd *cobra.Command, args []string) {
			env, err := loadNodeEnv(configEnv)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			height := env.storage.GetLatestHeight()
			block, ok, err := env.storage.GetBlockByHeight(height)
			if err != nil || !ok {
				fmt.Println("no blocks yet")
				return
			}
			fmt.Printf("height=%d hash=%s\n", height, block.Header.BlockHash.String())
		},
	}
	tip.Flags().StringVar(&configEnv, "env", "", "configuration environment")
	cmd.AddCommand(tip)

	return cmd
}

func mempoolCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "mempool"}
	var configEnv string

	status := &cobra.Command{
		Use:   "status",
		Short: "print mempool transaction and byte counts",
		Run: func(cmd *cobra.Command, args []string) {
			env, err := loadNodeEnv(configEnv)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			count, bytes := env.mempool.Stats()
			out, _ := json.Marshal(map[string]int{"count": count, "bytes": bytes})
			fmt.Println(string(out))
		},
	}
	status.Flags().StringVar(&configEnv, "env", "", "configuration environment")
	cmd.AddCommand(status)

	return cmd
}
