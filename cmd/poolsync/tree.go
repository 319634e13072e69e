package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"poolsync/internal/chain"
	"poolsync/internal/merkle"
	"poolsync/internal/model"
)

func newTreeCmd() *cobra.Command {
	treeCmd := &cobra.Command{
		Use:   "tree",
		Short: "Build the deposit tree of a stream and check its root",
		RunE:  runTree,
	}
	addStoreFlags(treeCmd.Flags())
	treeCmd.Flags().String("stream", "", "deposit stream name")
	treeCmd.Flags().String("edge", "", "edge file to extend and rewrite (optional)")
	treeCmd.Flags().Int("height", merkle.DefaultHeight, "tree height")
	treeCmd.Flags().String("hash", merkle.HashMiMCSponge, "node hash (mimcsponge, mimc)")
	treeCmd.Flags().Bool("verify", false, "check the root with isKnownRoot on the pool contract")
	treeCmd.Flags().String("rpc", "", "RPC URL, required with --verify")
	treeCmd.Flags().Uint64("chain-id", 0, "expected chain id of the RPC (0 skips the check)")
	treeCmd.Flags().Int64("path", -1, "print the merkle path of this leaf index")
	treeCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	return treeCmd
}

type pathOutput struct {
	Root         string   `json:"root"`
	LeafIndex    uint64   `json:"leaf_index"`
	PathElements []string `json:"path_elements"`
	PathIndices  []uint8  `json:"path_indices"`
}

func runTree(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	name, _ := cmd.Flags().GetString("stream")
	edgePath, _ := cmd.Flags().GetString("edge")
	height, _ := cmd.Flags().GetInt("height")
	verify, _ := cmd.Flags().GetBool("verify")
	pathIndex, _ := cmd.Flags().GetInt64("path")
	hashName, _ := cmd.Flags().GetString("hash")

	streamCfg, err := findStream(cfg, name)
	if err != nil {
		return err
	}
	if streamCfg.KindValue() != model.KindDeposit {
		return fmt.Errorf("stream %s is %s, not a deposit stream", name, streamCfg.Kind)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	set, _, err := store.LoadStream(ctx, name)
	if err != nil {
		return fmt.Errorf("load stream: %w", err)
	}

	params := merkle.DefaultParams()
	params.Height = height
	if params.Hash, err = merkle.HashByName(hashName); err != nil {
		return err
	}

	hasher := merkle.NewWorkerHasher(logger)
	defer hasher.Close()
	builder, err := merkle.NewBuilder(params, hasher, logger)
	if err != nil {
		return err
	}

	edge := merkle.EmptyEdge(params)
	if edgePath != "" && pathIndex < 0 {
		cached, ok, err := readEdge(edgePath)
		if err != nil {
			return err
		}
		if ok {
			edge = cached
		}
	}
	if edge.LeafCount > uint64(len(set.Events)) {
		return fmt.Errorf("edge covers %d leaves, stream has %d deposits", edge.LeafCount, len(set.Events))
	}

	leaves, err := merkle.LeavesFromDeposits(set.Events[edge.LeafCount:], edge.LeafCount)
	if err != nil {
		return err
	}

	var (
		root    fr.Element
		newEdge merkle.Edge
		tree    *merkle.Tree
	)
	if edge.LeafCount == 0 {
		tree, err = builder.Build(ctx, leaves)
		if err != nil {
			return err
		}
		root, newEdge = tree.Root(), tree.Edge()
	} else {
		partial, err := builder.BuildPartial(ctx, edge, leaves)
		if err != nil {
			return err
		}
		root, newEdge = partial.Root(), partial.Edge()
	}

	if verify {
		if cfg.RPCURL == "" {
			return fmt.Errorf("rpc url is required with --verify")
		}
		client, err := chain.NewClient(ctx, cfg.RPCURL)
		if err != nil {
			return fmt.Errorf("connect rpc: %w", err)
		}
		defer client.Close()
		if err := client.CheckChainID(ctx, cfg.ChainID); err != nil {
			return err
		}

		registry := chain.NewRootRegistry(client, streamCfg.ContractAddress())
		if err := merkle.Verify(ctx, registry, root); err != nil {
			return err
		}
		logger.Info("root verified", zap.String("root", merkle.HashOf(root).Hex()))
	}

	if edgePath != "" {
		if err := writeEdge(edgePath, newEdge); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if pathIndex >= 0 {
		proof, err := tree.Path(uint64(pathIndex))
		if err != nil {
			return err
		}
		return json.NewEncoder(out).Encode(pathFromProof(root, proof))
	}
	_, err = fmt.Fprintln(out, merkle.HashOf(root).Hex())
	return err
}

func pathFromProof(root fr.Element, proof merkle.Proof) pathOutput {
	elements := make([]string, len(proof.Siblings))
	for i, s := range proof.Siblings {
		elements[i] = merkle.HashOf(s).Hex()
	}
	return pathOutput{
		Root:         merkle.HashOf(root).Hex(),
		LeafIndex:    proof.Index,
		PathElements: elements,
		PathIndices:  proof.Bits,
	}
}

func readEdge(path string) (merkle.Edge, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return merkle.Edge{}, false, nil
	}
	if err != nil {
		return merkle.Edge{}, false, fmt.Errorf("read edge: %w", err)
	}
	var edge merkle.Edge
	if err := json.Unmarshal(data, &edge); err != nil {
		return merkle.Edge{}, false, fmt.Errorf("parse edge: %w", err)
	}
	return edge, true, nil
}

func writeEdge(path string, edge merkle.Edge) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create edge dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(edge, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal edge: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write edge: %w", err)
	}
	return os.Rename(tmp, path)
}
