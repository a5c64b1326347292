package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	syslog "github.com/RackSec/srslog"
	dnsfwd "github.com/dnsfwd/dnsfwd"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type options struct {
	logLevel  uint32
	install   bool
	uninstall bool
	syslogTo  string
	redisAddr string
}

func main() {
	var opt options
	cmd := &cobra.Command{
		Use:   "dnsforward [options.json] [rules.json]",
		Short: "Rule-driven DNS forwarding proxy",
		Long: `Rule-driven DNS forwarding proxy.

Listens for DNS queries over UDP, matches the question name against an
ordered rule list that can synthesize an answer, redirect to an
alternate upstream, or pass the query through, and caches replies for
the duration of their TTL.
`,
		Example: `  dnsforward options.json rules.json`,
		Args:    cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return start(opt, args)
		},
		SilenceUsage: true,
	}

	cmd.Flags().Uint32VarP(&opt.logLevel, "log-level", "l", uint32(logrus.InfoLevel), "log level; 0=Panic .. 6=Trace")
	cmd.Flags().BoolVar(&opt.install, "install", false, "register as a system service (lifecycle is out of scope for this core; prints intent only)")
	cmd.Flags().BoolVar(&opt.uninstall, "uninstall", false, "unregister the system service (prints intent only)")
	cmd.Flags().StringVar(&opt.syslogTo, "syslog", "", "forward logs over UDP to this syslog host:port (e.g. localhost:514) instead of stderr")
	cmd.Flags().StringVar(&opt.redisAddr, "redis-addr", "", "use a Redis-backed response cache at this address instead of the in-memory default")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func start(opt options, args []string) error {
	dnsfwd.SetLevel(logrus.Level(opt.logLevel))

	if opt.syslogTo != "" {
		w, err := syslog.Dial("udp", opt.syslogTo, syslog.LOG_DAEMON|syslog.LOG_INFO, "dnsforward")
		if err != nil {
			return fmt.Errorf("failed to dial syslog at %q: %w", opt.syslogTo, err)
		}
		logrus.SetOutput(w)
	}

	if opt.install {
		fmt.Println("service installation is handled by the host OS, not this binary; skipping")
	}
	if opt.uninstall {
		fmt.Println("service removal is handled by the host OS, not this binary; skipping")
	}

	optionsPath, rulesPath := "options.json", "rules.json"
	if len(args) > 0 {
		optionsPath = args[0]
	}
	if len(args) > 1 {
		rulesPath = args[1]
	}

	config := dnsfwd.LoadAppConfig(optionsPath)
	rules, err := dnsfwd.LoadRuleList(rulesPath)
	if err != nil {
		return fmt.Errorf("failed to load rule list: %w", err)
	}

	var cache *dnsfwd.Cache
	if opt.redisAddr != "" {
		cache = dnsfwd.NewCacheWithBackend(dnsfwd.NewRedisBackend(dnsfwd.RedisBackendOptions{
			Options: redisOptions(opt.redisAddr),
		}))
	} else {
		cache = dnsfwd.NewCache()
	}

	sup, err := dnsfwd.NewSupervisor(config, cache, rules)
	if err != nil {
		return fmt.Errorf("failed to start supervisor: %w", err)
	}

	go sup.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for s := range sig {
		if s == syscall.SIGHUP {
			dnsfwd.Log.Info("reload signal received")
			reloaded, err := dnsfwd.LoadRuleList(rulesPath)
			if err != nil {
				dnsfwd.Log.Warn("failed to reload rule list", "error", err)
				continue
			}
			sup.Reload(reloaded)
			continue
		}
		dnsfwd.Log.Info("stopping")
		sup.Stop()
		return nil
	}
	return nil
}

// redisOptions builds redis.Options for a bare "host:port" address, the
// common case for --redis-addr.
func redisOptions(addr string) redis.Options {
	return redis.Options{Addr: addr}
}
