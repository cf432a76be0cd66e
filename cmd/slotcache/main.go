package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	redis "github.com/ljluestc/go-redis-slotcache"
)

var rootCmd = &cobra.Command{
	Use:   "slotcache",
	Short: "Inspect and follow the slot topology of a Redis cluster",

	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

var slotsCmd = &cobra.Command{
	Use:   "slots",
	Short: "Print the slot ranges of the cluster",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Replicas are only tracked by caches that may read from them.
		opt := cfg.clusterOptions(logger, nil)
		opt.ReadMode = redis.ReadMixed
		cache, err := openCache(cmd, opt)
		if err != nil {
			return err
		}
		defer closeCache(cache)

		return printSlots(cmd.OutOrStdout(), cache.Slots())
	},
}

var routeCmd = &cobra.Command{
	Use:   "route <key>...",
	Short: "Print the slot and node serving each key",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, err := openCache(cmd, nil)
		if err != nil {
			return err
		}
		defer closeCache(cache)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tSLOT\tNODE")
		for _, key := range args {
			slot := redis.Slot(key)
			fmt.Fprintf(w, "%s\t%d\t%s\n", key, slot, poolAddr(cache.SlotPool(cfg.readMode, slot)))
		}
		return w.Flush()
	},
}

var (
	cfgFile      string
	watchCfgFile bool

	cfg      *config
	logLevel zap.AtomicLevel
	logger   *zap.Logger
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.PersistentFlags().BoolVar(&watchCfgFile, "watch-config", false, "reload the config file when it changes")

	configFlags := newConfigFlags()
	rootCmd.PersistentFlags().AddFlagSet(configFlags)
	_ = bindConfig(viper.GetViper(), configFlags)

	rootCmd.AddCommand(slotsCmd, routeCmd, watchCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	logLevel, logger = newLogger()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("loading config file: %w", err)
		}
	}

	c, err := readConfig(viper.GetViper())
	if err != nil {
		return err
	}
	logLevel.SetLevel(c.logLevel)
	cfg = c

	logger.Debug("parsed configuration",
		zap.Strings("addrs", cfg.addrs),
		zap.Stringer("readMode", cfg.readMode),
		zap.String("config", cfgFile),
		zap.Bool("watch-config", watchCfgFile))
	return nil
}

func openCache(cmd *cobra.Command, opt *redis.ClusterOptions) (*redis.SlotCache, error) {
	if opt == nil {
		opt = cfg.clusterOptions(logger, nil)
	}
	cache, err := redis.NewSlotCache(cmd.Context(), opt)
	if err != nil {
		return nil, err
	}
	if cache.Generation() == 0 {
		closeCache(cache)
		return nil, fmt.Errorf("no node of %s answered", strings.Join(cfg.addrs, ", "))
	}
	return cache, nil
}

func closeCache(cache *redis.SlotCache) {
	if err := cache.Close(); err != nil {
		logger.Warn("closing slot cache", zap.Error(err))
	}
}

func printSlots(out io.Writer, slots []redis.ClusterSlot) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "START\tEND\tMASTER\tREPLICAS")
	for _, s := range slots {
		replicas := make([]string, len(s.Replicas))
		for i, r := range s.Replicas {
			replicas[i] = r.Addr()
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", s.Start, s.End, s.Master.Addr(), strings.Join(replicas, ","))
	}
	return w.Flush()
}

func poolAddr(pool redis.ConnPool) string {
	if pool == nil {
		return "-"
	}
	if p, ok := pool.(interface{ Addr() string }); ok {
		return p.Addr()
	}
	return "?"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
