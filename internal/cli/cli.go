// Package cli builds the lithair command line interface on Cobra,
// following the teacher repository's internal/cli.BuildCLI structure:
// a root command carrying a --config persistent flag, with one
// subcommand builder function per verb.
//
// Command Structure:
//
//	lithair
//	├── serve              # open a node, start metrics, block for signals
//	├── replay             # replay the event log and print the engine's read/write/conflict counters
//	├── verify             # walk the hash chain and report integrity
//	├── snapshot           # force an immediate snapshot
//	└── --config, -c       # node config file (default: configs/default.yaml)
package cli

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lithair/lithair-sub001/internal/config"
	"github.com/lithair/lithair-sub001/internal/demo"
	"github.com/lithair/lithair-sub001/internal/metrics"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lithair",
		Short: "lithair: an embedded event-sourced storage and replication engine",
		Long: `lithair is an embedded storage engine with:
- CRC32-framed, hash-chained append-only event logs
- write-ahead log with group commit
- snapshot-based recovery
- best-effort leader -> follower replication`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildReplayCommand())
	rootCmd.AddCommand(buildVerifyCommand())
	rootCmd.AddCommand(buildSnapshotCommand())

	return rootCmd
}

func buildServeCommand() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open a node and block until interrupted",
		Long:  "Open the event log and engine at --dir, start the metrics server if configured, and wait for SIGINT/SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(dataDir)
		},
	}

	cmd.Flags().StringVarP(&dataDir, "dir", "d", "", "data directory (overrides storage.dir from config)")

	return cmd
}

func runServe(dataDirOverride string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	dataDir := cfg.Storage.Dir
	if dataDirOverride != "" {
		dataDir = dataDirOverride
	}

	log.Printf("Opening lithair node at %s\n", dataDir)
	ledger, err := demo.Open(cfg, dataDir)
	if err != nil {
		return fmt.Errorf("failed to open node: %w", err)
	}
	defer ledger.Close()

	if cfg.Metrics.Enabled {
		metrics.NewCollector()
		go func() {
			log.Printf("Starting metrics server on :%d\n", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	log.Println("Node started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Received shutdown signal, taking final snapshot if due...")
	if err := ledger.MaybeSnapshot(); err != nil {
		log.Printf("Final snapshot failed: %v\n", err)
	}

	log.Println("Node stopped. Goodbye!")
	return nil
}

func buildReplayCommand() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay the event log and print recovery stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(dataDir)
		},
	}

	cmd.Flags().StringVarP(&dataDir, "dir", "d", "", "data directory (overrides storage.dir from config)")

	return cmd
}

func runReplay(dataDirOverride string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	dataDir := cfg.Storage.Dir
	if dataDirOverride != "" {
		dataDir = dataDirOverride
	}

	ledger, err := demo.Open(cfg, dataDir)
	if err != nil {
		return fmt.Errorf("failed to replay node: %w", err)
	}
	defer ledger.Close()

	reads, writes, conflicts := ledger.Stats()
	fmt.Printf("Replay complete: reads=%d writes=%d conflicts=%d\n", reads, writes, conflicts)
	return nil
}

func buildVerifyCommand() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain of the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(dataDir)
		},
	}

	cmd.Flags().StringVarP(&dataDir, "dir", "d", "", "data directory (overrides storage.dir from config)")

	return cmd
}

func runVerify(dataDirOverride string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	dataDir := cfg.Storage.Dir
	if dataDirOverride != "" {
		dataDir = dataDirOverride
	}

	ledger, err := demo.Open(cfg, dataDir)
	if err != nil {
		return fmt.Errorf("failed to open node: %w", err)
	}
	defer ledger.Close()

	valid, total, err := ledger.VerifyIntegrity()
	if err != nil {
		return fmt.Errorf("verify failed: %w", err)
	}

	if valid {
		fmt.Printf("Chain OK: %d events verified\n", total)
		return nil
	}

	fmt.Printf("Chain INVALID across %d events\n", total)
	return fmt.Errorf("hash chain verification failed")
}

func buildSnapshotCommand() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Force an immediate snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(dataDir)
		},
	}

	cmd.Flags().StringVarP(&dataDir, "dir", "d", "", "data directory (overrides storage.dir from config)")

	return cmd
}

func runSnapshot(dataDirOverride string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	dataDir := cfg.Storage.Dir
	if dataDirOverride != "" {
		dataDir = dataDirOverride
	}

	ledger, err := demo.Open(cfg, dataDir)
	if err != nil {
		return fmt.Errorf("failed to open node: %w", err)
	}
	defer ledger.Close()

	if err := ledger.Snapshot(); err != nil {
		return fmt.Errorf("snapshot failed: %w", err)
	}

	fmt.Println("Snapshot taken")
	return nil
}
