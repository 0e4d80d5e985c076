// Command watchtower runs the host-level telemetry daemon: it wires the
// Producer, Consumer, Scanner Adapter and Replay Driver behind a cobra
// command tree, mirroring the teacher's cmd/security-agent layout without
// its fx dependency-injection machinery.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/watchtower-sec/watchtower/internal/config"
	"github.com/watchtower-sec/watchtower/internal/consumer"
	"github.com/watchtower-sec/watchtower/internal/daemon"
	"github.com/watchtower-sec/watchtower/internal/dnsmap"
	"github.com/watchtower-sec/watchtower/internal/events"
	"github.com/watchtower-sec/watchtower/internal/hashcache"
	"github.com/watchtower-sec/watchtower/internal/ioc"
	"github.com/watchtower-sec/watchtower/internal/monitor"
	"github.com/watchtower-sec/watchtower/internal/nsswitch"
	"github.com/watchtower-sec/watchtower/internal/output"
	"github.com/watchtower-sec/watchtower/internal/producer"
	"github.com/watchtower-sec/watchtower/internal/rules"
	"github.com/watchtower-sec/watchtower/internal/scanner"
	"github.com/watchtower-sec/watchtower/internal/seclog"
	"github.com/watchtower-sec/watchtower/internal/tasktable"
)

type cliFlags struct {
	configPath        string
	dumpConfig        bool
	showEvents        bool
	include           []string
	exclude           []string
	maxBufferedEvents uint16
	sendDataMinLen    uint64
	hashCacheCapacity int
	ruleFiles         []string
	iocFiles          []string
	verbosity         int
	silent            bool
	debug             bool
	statsdAddr        string
}

func newRootCommand() *cobra.Command {
	var flags cliFlags

	cmd := &cobra.Command{
		Use:           "watchtower",
		Short:         "Host-level security telemetry daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoot(flags)
		},
	}

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "/etc/watchtower/config.toml", "configuration file path")
	cmd.Flags().BoolVar(&flags.dumpConfig, "dump-config", false, "print a default configuration and exit")
	cmd.Flags().BoolVar(&flags.showEvents, "show-events", false, "list configurable event type names and exit")
	cmd.Flags().StringSliceVar(&flags.include, "include", nil, "comma-separated event types to enable, or \"all\" (supersedes --exclude)")
	cmd.Flags().StringSliceVar(&flags.exclude, "exclude", nil, "comma-separated event types to disable, or \"all\"")
	cmd.Flags().Uint16Var(&flags.maxBufferedEvents, "max-buffered-events", 0, "override the configured per-CPU ring buffer sizing hint")
	cmd.Flags().Uint64Var(&flags.sendDataMinLen, "send-data-min-len", 0, "override the minimum send_data size reported")
	cmd.Flags().IntVar(&flags.hashCacheCapacity, "hash-cache-capacity", 0, "override the hash cache's bounded entry count (default 10000)")
	cmd.Flags().StringSliceVarP(&flags.ruleFiles, "rule-file", "r", nil, "detection/filter rule file (repeatable)")
	cmd.Flags().StringSliceVarP(&flags.iocFiles, "ioc-file", "i", nil, "IoC file (repeatable)")
	cmd.Flags().CountVarP(&flags.verbosity, "verbose", "v", "increase verbosity (-v info, -vv debug, -vvv trace)")
	cmd.Flags().BoolVarP(&flags.silent, "silent", "s", false, "suppress all logging below panic level")
	cmd.Flags().BoolVar(&flags.debug, "debug", false, "enable debug-build-only features (PROBES environment filtering)")
	cmd.Flags().StringVar(&flags.statsdAddr, "statsd-addr", "", "optional statsd host:port for pipeline counters")

	cmd.AddCommand(newReplayCommand())
	return cmd
}

func applyVerbosity(flags cliFlags) {
	switch {
	case flags.silent:
		seclog.SetLevel(seclog.LevelSilent)
	case flags.verbosity >= 3:
		seclog.SetLevel(seclog.LevelTrace)
	case flags.verbosity == 2:
		seclog.SetLevel(seclog.LevelDebug)
	case flags.verbosity == 1:
		seclog.SetLevel(seclog.LevelInfo)
	}
}

func requireRoot() error {
	if os.Geteuid() != 0 {
		return errors.New("watchtower must run as uid 0")
	}
	return nil
}

func runRoot(flags cliFlags) error {
	applyVerbosity(flags)

	if flags.dumpConfig {
		return dumpDefaultConfig(os.Stdout)
	}
	if flags.showEvents {
		printConfigurableEvents(os.Stdout)
		return nil
	}

	if err := requireRoot(); err != nil {
		return err
	}

	fs := afero.NewOsFs()
	cfg, err := config.Load(fs, flags.configPath)
	if err != nil {
		return err
	}
	if err := applyCLIOverrides(cfg, flags); err != nil {
		return err
	}
	cfg.VerifierLogLevel = envOrDefault("VERIFIER_LOG_LEVEL", "stats")
	if flags.debug {
		if p := os.Getenv("PROBES"); p != "" {
			cfg.Probes = splitNonEmpty(p, ",")
		}
	}

	d, mon, out, err := buildDaemon(fs, cfg, flags)
	if err != nil {
		return err
	}
	defer mon.Close()
	defer out.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		seclog.Infof("shutdown signal received, draining in-flight events")
		d.Stop()
	}()

	return d.Run()
}

// buildDaemon wires every component named in the package layout into one
// supervised Daemon: Task Table, Hash Cache, DNS map, Scanner Adapter,
// Consumer and the Producer factory that attaches the kernel probes.
func buildDaemon(fs afero.Fs, cfg *config.Config, flags cliFlags) (*daemon.Daemon, *monitor.Monitor, io.WriteCloser, error) {
	out, err := openOutput(fs, cfg.OutputPath())
	if err != nil {
		return nil, nil, nil, err
	}
	writer := output.NewWriter(out)

	var engine rules.Engine
	if len(cfg.Rules) > 0 {
		e, err := rules.Load(fs, cfg.Rules)
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "loading rules")
		}
		engine = e
	}
	iocs, err := ioc.Load(fs, cfg.IOCs)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "loading iocs")
	}
	scan := scanner.New(engine, iocs)

	mon, err := monitor.New(flags.statsdAddr)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "dialing statsd")
	}

	dns := dnsmap.New()
	tasks := tasktable.New(dns)
	if err := tasks.InsertFromProcfs(); err != nil {
		seclog.Warnf("populating task table from procfs: %v", err)
	}

	executor := nsswitch.New()
	hashes, err := hashcache.New(cfg.HashCacheCapacity, executor)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "building hash cache")
	}

	channel := make(chan *events.EncodedEvent, int(cfg.MaxBufferedEvents))
	cons, err := consumer.New(channel, executor, hashes, tasks, dns, scan, writer, mon, cfg.HostUUID, uint32(os.Getpid()), cfg.SendDataMinLen)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "building consumer")
	}

	filter := producer.Filter(cfg.EnabledSet())
	factory := buildProducerFactory(cfg, filter, nil, mon)

	d := daemon.New(factory, cons, channel)
	return d, mon, out, nil
}

func openOutput(fs afero.Fs, path string) (io.WriteCloser, error) {
	switch path {
	case "/dev/stdout":
		return os.Stdout, nil
	case "/dev/stderr":
		return os.Stderr, nil
	}
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening output %s", path)
	}
	return f, nil
}

func applyCLIOverrides(cfg *config.Config, flags cliFlags) error {
	overrides := config.CLIOverrides{
		RuleFiles: flags.ruleFiles,
		IOCFiles:  flags.iocFiles,
		Include:   flags.include,
		Exclude:   flags.exclude,
	}
	if flags.maxBufferedEvents != 0 {
		overrides.MaxBufferedEvents = &flags.maxBufferedEvents
	}
	if flags.sendDataMinLen != 0 {
		overrides.SendDataMinLen = &flags.sendDataMinLen
	}
	if flags.hashCacheCapacity != 0 {
		overrides.HashCacheCapacity = &flags.hashCacheCapacity
	}
	return cfg.ApplyCLI(overrides)
}

// dumpDefaultConfig prints the built-in defaults as TOML, with a freshly
// generated host UUID, so an operator has something to hand-edit into a
// real config file.
func dumpDefaultConfig(w io.Writer) error {
	cfg := config.Default()
	cfg.HostUUIDRaw = uuid.New().String()
	_, err := fmt.Fprintf(w,
		"output = %q\nhost_uuid = %q\nmax_buffered_events = %d\nsend_data_min_len = %d\n",
		cfg.Output, cfg.HostUUIDRaw, cfg.MaxBufferedEvents, cfg.SendDataMinLen,
	)
	return err
}

func printConfigurableEvents(w io.Writer) {
	for _, t := range events.ConfigurableTypes() {
		fmt.Fprintf(w, "%-16s %d\n", t.String(), t)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
