// splitbench fills and churns split-ordered tables from many goroutines and
// reports how long each phase takes, with values copied out and with values
// pinned for long-lived use.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"splitmap"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:           "splitbench",
		Short:         "Benchmark the lock-free split-ordered hash table",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	var (
		cfg         splitmap.Config
		configFile  string
		logLevel    string
		dumpMetrics bool
		opts        benchOptions
	)

	fs := flag.NewFlagSet("splitmap", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	rootCmd.PersistentFlags().AddGoFlagSet(fs)
	rootCmd.PersistentFlags().StringVar(&configFile, "config.file", "", "YAML file with table configuration. Flags given on the command line win.")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log.level", "info", "Only log messages with the given severity or above: debug, info, warn, error.")
	rootCmd.PersistentFlags().BoolVar(&dumpMetrics, "metrics", false, "Print table metrics in the Prometheus text format when done.")
	rootCmd.PersistentFlags().IntVar(&opts.workers, "workers", 4, "Number of goroutines working on each table.")
	rootCmd.PersistentFlags().IntVar(&opts.entries, "entries", 65536*2, "Operations per phase, split across the workers.")
	rootCmd.PersistentFlags().IntVar(&opts.stages, "stages", 16, "Number of fresh tables per protection mode; timings are averaged over them.")
	rootCmd.PersistentFlags().Uint64Var(&opts.keySpace, "key-space", 1<<20, "Keys are drawn uniformly from [0, key-space).")
	rootCmd.PersistentFlags().Uint64Var(&opts.seed, "seed", 1, "Seed for the key generators.")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	setup := func(cmd *cobra.Command) (*bench, error) {
		if configFile != "" {
			if err := loadConfig(cmd, fs, configFile, &cfg); err != nil {
				return nil, err
			}
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if err := opts.validate(); err != nil {
			return nil, err
		}

		logger, err := newLogger(logLevel)
		if err != nil {
			return nil, err
		}

		b := &bench{
			cfg:    cfg,
			opts:   opts,
			logger: logger,
			out:    cmd.OutOrStdout(),
		}
		if dumpMetrics {
			b.reg = prometheus.NewRegistry()
		}
		return b, nil
	}

	finish := func(b *bench) error {
		if b.reg == nil {
			return nil
		}
		families, err := b.reg.Gather()
		if err != nil {
			return errors.Wrap(err, "gathering metrics")
		}
		for _, mf := range families {
			if _, err := expfmt.MetricFamilyToText(b.out, mf); err != nil {
				return errors.Wrap(err, "writing metrics")
			}
		}
		return nil
	}

	var populateCmd = &cobra.Command{
		Use:   "populate",
		Short: "Time inserting random keys into fresh tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := setup(cmd)
			if err != nil {
				return err
			}
			if err := b.run(ctx, false); err != nil {
				return err
			}
			return finish(b)
		},
	}

	var fuzzCmd = &cobra.Command{
		Use:   "fuzz",
		Short: "Populate, then time a mix of finds and deletes of random keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := setup(cmd)
			if err != nil {
				return err
			}
			if err := b.run(ctx, true); err != nil {
				return err
			}
			return finish(b)
		},
	}

	rootCmd.AddCommand(populateCmd, fuzzCmd)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "splitbench:", err)
		os.Exit(1)
	}
}

// loadConfig reads the YAML file into cfg, then puts back any table flag
// that was set explicitly on the command line.
func loadConfig(cmd *cobra.Command, fs *flag.FlagSet, path string, cfg *splitmap.Config) error {
	explicit := map[string]string{}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if fs.Lookup(f.Name) != nil {
			explicit[f.Name] = f.Value.String()
		}
	})

	buf, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading config file")
	}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return errors.Wrapf(err, "parsing config file %s", path)
	}

	for name, value := range explicit {
		if err := fs.Set(name, value); err != nil {
			return errors.Wrapf(err, "flag %s", name)
		}
	}
	return nil
}

func newLogger(lvl string) (log.Logger, error) {
	var allow level.Option
	switch lvl {
	case "debug":
		allow = level.AllowDebug()
	case "info":
		allow = level.AllowInfo()
	case "warn":
		allow = level.AllowWarn()
	case "error":
		allow = level.AllowError()
	default:
		return nil, errors.Errorf("unknown log level %q", lvl)
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, allow)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller), nil
}
