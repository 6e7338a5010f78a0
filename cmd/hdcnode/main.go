// Command hdcnode runs a single consensus validator over the in-memory
// reference chain service, wiring storage, transport, signing and
// metrics the way the teacher's node command wires its own consensus
// manager.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nccu-plsm/hdc-consensus/consensus/bft"
	"github.com/nccu-plsm/hdc-consensus/consensus/bft/types"
	"github.com/nccu-plsm/hdc-consensus/internal/chain"
	"github.com/nccu-plsm/hdc-consensus/internal/config"
	"github.com/nccu-plsm/hdc-consensus/internal/signer"
	"github.com/nccu-plsm/hdc-consensus/internal/storage"
	"github.com/nccu-plsm/hdc-consensus/internal/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "hdcnode",
		Short: "Run a single-voting-phase BFT consensus validator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a TOML node config file")
	return root
}

func run(configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	sg, err := signer.GenerateECDSASigner()
	if err != nil {
		return fmt.Errorf("hdcnode: generate identity: %w", err)
	}
	log.Info("hdcnode: starting", "address", sg.Address())

	validators := []types.Address{sg.Address()}
	for _, hex := range cfg.Validators {
		validators = append(validators, common.HexToAddress(hex))
	}

	db, err := storage.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	genesis := &types.Block{Number: 0}
	var gossip *transport.Gossip
	chainSvc := chain.New(genesis, sg.Address(), func(msg interface{}) {
		if gossip != nil {
			gossip.Broadcast(msg)
		}
	})

	contract := bft.NewConsensusContract(validators)
	engineCfg := bft.DefaultEngineConfig()
	engineCfg.RoundTimeout = cfg.Consensus.RoundTimeout()
	engineCfg.RoundTimeoutFactor = cfg.Consensus.RoundTimeoutFactor
	engineCfg.SyncEnabled = cfg.Consensus.SyncEnabled

	cm := bft.NewConsensusManager(chainSvc, db, contract, sg, signer.ECDSAVerifier{}, engineCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gossip, err = transport.New(ctx, cfg.ListenAddr, transport.Handlers{
		OnVote:              cm.AddVote,
		OnBlockProposal:     func(bp *types.BlockProposal) { cm.AddProposal(bp) },
		OnVotingInstruction: func(vi *types.VotingInstruction) { cm.AddProposal(vi) },
		OnReady:             cm.AddReady,
	})
	if err != nil {
		return err
	}
	defer gossip.Close()

	go serveMetrics(cfg.MetricsAddr)

	if err := cm.Start(); err != nil {
		return err
	}
	cm.SendReady(true)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		cm.Process()
	}
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("hdcnode: serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("hdcnode: metrics server stopped", "err", err)
	}
}
