package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	redis "github.com/ljluestc/go-redis-slotcache"
)

const envPrefix = "slotcache"

type config struct {
	addrs              []string
	readMode           redis.ReadMode
	optimistic         bool
	minRefreshInterval time.Duration
	maxWait            time.Duration
	maxRedirects       int
	refreshInterval    time.Duration
	username           string
	password           string
	dialTimeout        time.Duration
	logLevel           zapcore.Level
	metricsAddr        string
}

func newConfigFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.StringSlice("addrs", []string{"localhost:7000"}, "seed addresses of the cluster")
	flags.String("read-mode", "master", "read mode: master, slaves, mixed or mixed-slaves")
	flags.Bool("optimistic", true, "keep routes of slots missing from a topology reply")
	flags.Duration("min-refresh-interval", 0, "minimum time between two topology refreshes")
	flags.Duration("max-wait", 0, "how long a refresh waits for a running one, 0 waits forever")
	flags.Int("max-redirects", 3, "MOVED and ASK redirects to follow, -1 disables them")
	flags.Duration("refresh-interval", 30*time.Second, "periodic refresh interval of the watch command")
	flags.String("username", "", "the ACL username")
	flags.String("password", "", "the ACL password")
	flags.Duration("dial-timeout", 5*time.Second, "the node dial timeout")
	flags.String("log-level", "info", "the log level to run at")
	flags.String("metrics-addr", "", "address serving /metrics, empty disables it")
	return flags
}

// bindConfig makes every flag settable from SLOTCACHE_* environment
// variables and the config file.
func bindConfig(v *viper.Viper, flags *pflag.FlagSet) error {
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	return v.BindPFlags(flags)
}

func readConfig(v *viper.Viper) (*config, error) {
	readMode, err := redis.ParseReadMode(v.GetString("read-mode"))
	if err != nil {
		return nil, err
	}
	logLevel, err := zapcore.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return nil, err
	}

	// Environment variables arrive as a single comma separated value.
	var addrs []string
	for _, addr := range v.GetStringSlice("addrs") {
		for _, a := range strings.Split(addr, ",") {
			if a = strings.TrimSpace(a); a != "" {
				addrs = append(addrs, a)
			}
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("at least one seed address is required")
	}
	for _, addr := range addrs {
		if _, err := redis.ParseClusterNode(addr, ""); err != nil {
			return nil, err
		}
	}

	refreshInterval := v.GetDuration("refresh-interval")
	if refreshInterval <= 0 {
		return nil, fmt.Errorf("refresh-interval must be positive, got %s", refreshInterval)
	}

	return &config{
		addrs:              addrs,
		readMode:           readMode,
		optimistic:         v.GetBool("optimistic"),
		minRefreshInterval: v.GetDuration("min-refresh-interval"),
		maxWait:            v.GetDuration("max-wait"),
		maxRedirects:       v.GetInt("max-redirects"),
		refreshInterval:    refreshInterval,
		username:           v.GetString("username"),
		password:           v.GetString("password"),
		dialTimeout:        v.GetDuration("dial-timeout"),
		logLevel:           logLevel,
		metricsAddr:        v.GetString("metrics-addr"),
	}, nil
}

func (c *config) clusterOptions(logger *zap.Logger, reg prometheus.Registerer) *redis.ClusterOptions {
	return &redis.ClusterOptions{
		Addrs:              c.addrs,
		ReadMode:           c.readMode,
		OptimisticReads:    c.optimistic,
		MinRefreshInterval: c.minRefreshInterval,
		MaxWait:            c.maxWait,
		MaxRedirects:       c.maxRedirects,
		Username:           c.username,
		Password:           c.password,
		DialTimeout:        c.dialTimeout,
		Logger:             logger,
		Registerer:         reg,
	}
}

// newLogger writes JSON logs to stderr so that stdout only carries
// command output.
func newLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(logConfig), zapcore.AddSync(os.Stderr), logLevel)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logLevel, logger
}
