// crabkv is the command-line front end for the CrabKV storage engine.
//
// Usage:
//
//	crabkv put <key> <value> [--ttl <seconds>]
//	crabkv get <key>
//	crabkv delete <key>
//	crabkv compact
//	crabkv serve [--addr <host:port>] [--cache <entries>] [--default-ttl <seconds>]
//
// Every subcommand also accepts --config <crabkv.yaml> and --data-dir <path>.
// Precedence, highest first: command-line flag, --config file, the
// CRABKV_DATA_DIR/CRABKV_CACHE_CAPACITY/CRABKV_DEFAULT_TTL_SECS environment
// variables, then the built-in default.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/crabkv/crabkv/internal/config"
	"github.com/crabkv/crabkv/internal/engine"
	"github.com/crabkv/crabkv/internal/server"
	"github.com/crabkv/crabkv/internal/version"
)

var (
	configFile  string
	dataDirFlag string
	ttlFlag     int64
	addrFlag    string
	cacheFlag   int
)

func main() {
	if err := buildRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func buildRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:     "crabkv",
		Short:   "CrabKV is an embeddable, write-ahead-logged key-value store",
		Version: version.Version,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a crabkv.yaml config file")
	root.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "data directory (overrides --config and CRABKV_DATA_DIR)")

	root.AddCommand(buildPutCommand())
	root.AddCommand(buildGetCommand())
	root.AddCommand(buildDeleteCommand())
	root.AddCommand(buildCompactCommand())
	root.AddCommand(buildServeCommand())

	return root
}

func buildPutCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Store a value",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 2 {
				return fmt.Errorf("missing key or value")
			}
			if len(args) > 2 {
				return fmt.Errorf("unexpected arguments: %v", args[2:])
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			if ttlFlag > 0 {
				err = eng.PutWithTTL(args[0], args[1], time.Duration(ttlFlag)*time.Second)
			} else {
				err = eng.Put(args[0], args[1])
			}
			if err != nil {
				return err
			}
			fmt.Println("stored")
			return nil
		},
	}
	cmd.Flags().Int64Var(&ttlFlag, "ttl", 0, "expire the key after this many seconds")
	return cmd
}

func buildGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Retrieve a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			value, ok, err := eng.Get(args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("key not found")
				return nil
			}
			fmt.Println(value)
			return nil
		},
	}
}

func buildDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			if err := eng.Delete(args[0]); err != nil {
				return err
			}
			fmt.Println("deleted")
			return nil
		},
	}
}

func buildCompactCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Force a compaction cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			if err := eng.Compact(); err != nil {
				return err
			}
			fmt.Println("compacted")
			return nil
		},
	}
}

func buildServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the TCP line-protocol server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			log, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			defer log.Sync()

			sc := server.DefaultConfig()
			if addrFlag != "" {
				sc.Addr = addrFlag
			}
			srv := server.New(sc, eng, log)

			ctx, cancel := context.WithCancel(context.Background())
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
			}()

			return srv.Start(ctx)
		},
	}
	cmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (default 127.0.0.1:4000)")
	cmd.Flags().IntVar(&cacheFlag, "cache", 0, "cache capacity in entries")
	cmd.Flags().Int64Var(&ttlFlag, "default-ttl", 0, "default TTL in seconds for new keys")
	return cmd
}

// openEngine builds an engine from, in order of precedence (highest first):
// command-line flags, a --config YAML file, then the CRABKV_* environment
// variables.
func openEngine() (*engine.Engine, error) {
	cfg := config.Default()
	if v := os.Getenv("CRABKV_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CRABKV_CACHE_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CRABKV_CACHE_CAPACITY: %w", err)
		}
		cfg.CacheCapacity = n
	}
	if v := os.Getenv("CRABKV_DEFAULT_TTL_SECS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid CRABKV_DEFAULT_TTL_SECS: %w", err)
		}
		cfg.DefaultTTLSecs = n
	}

	if configFile != "" {
		// Unmarshal over the env-derived values so that keys the file omits
		// keep their environment (or default) value. A missing file is ignored.
		data, err := os.ReadFile(configFile)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", configFile, err)
			}
		}
	}

	dataDir := cfg.DataDir
	if dataDirFlag != "" {
		dataDir = dataDirFlag
	}
	builder := engine.NewBuilder(dataDir)

	cacheCapacity := cfg.CacheCapacity
	if cacheFlag > 0 {
		cacheCapacity = cacheFlag
	}
	if cacheCapacity > 0 {
		builder = builder.CacheCapacity(cacheCapacity)
	}

	defaultTTLSecs := cfg.DefaultTTLSecs
	if ttlFlag > 0 {
		defaultTTLSecs = ttlFlag
	}
	if defaultTTLSecs > 0 {
		builder = builder.DefaultTTL(time.Duration(defaultTTLSecs) * time.Second)
	}

	if cfg.SyncIntervalSec > 0 {
		builder = builder.SyncInterval(time.Duration(cfg.SyncIntervalSec) * time.Second)
	}
	if cfg.AsyncCompaction {
		builder = builder.AsyncCompaction(true)
	}
	if cfg.Compression {
		builder = builder.Compression(true)
	}
	if cfg.WriteBackCache {
		builder = builder.WriteBackCache(true)
	}

	return builder.Build()
}
