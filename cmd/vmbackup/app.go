package main

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jbweber/vmbackup/internal/backup"
	"github.com/jbweber/vmbackup/internal/config"
	"github.com/jbweber/vmbackup/internal/libvirt"
	"github.com/jbweber/vmbackup/internal/logging"
	"github.com/jbweber/vmbackup/internal/platform"
	"github.com/jbweber/vmbackup/internal/storage"
)

const defaultConfigPath = "/etc/vmbackup/config.yaml"

// hostClient is the bare connection test-conn reports on.
type hostClient interface {
	Target() string
	Ping() error
	Version() (string, error)
	Hostname() (string, error)
	Close() error
}

// hostSession is what the tag and pools commands need from libvirt. Tags
// live in domain metadata, so platform.Session is not enough.
type hostSession interface {
	Tags(ctx context.Context, vmName string) ([]string, error)
	AddTag(ctx context.Context, vmName, tag string) error
	RemoveTag(ctx context.Context, vmName, tag string) error
	ListPools(ctx context.Context) ([]storage.PoolInfo, error)
	Close() error
}

var (
	_ hostClient  = (*libvirt.Client)(nil)
	_ hostSession = (*libvirt.Session)(nil)
)

// Connection factories, replaced in tests.
var (
	newConnector = func(cfg *config.Config) platform.Connector {
		return &libvirt.Connector{Options: connectOptions(cfg)}
	}
	dialHost = func(opts libvirt.Options) (hostClient, error) {
		c, err := libvirt.Connect(opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	openHostSession = func(ctx context.Context, cfg *config.Config) (hostSession, error) {
		connector := &libvirt.Connector{Options: connectOptions(cfg)}
		s, err := connector.ConnectSession(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	orchestratorOptions []backup.Option
)

func connectOptions(cfg *config.Config) libvirt.Options {
	return libvirt.Options{
		Server:   cfg.Server,
		Username: cfg.Username,
		Password: cfg.Password,
	}
}

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	debug      bool

	server                  string
	username                string
	password                string
	dryRun                  bool
	vmNames                 []string
	vmMiddle                string
	snapshotDescription     string
	clusterName             string
	exportDomain            string
	storageDomain           string
	timeout                 int
	backupKeepCount         int
	backupKeepCountByNumber int
	vmNameMaxLength         int
	useShortSuffix          bool
	storageSpaceThreshold   float64
	persistMemoryState      bool
	snapshotGracePeriod     time.Duration
	maxPollAttempts         int
	reconnectAttempts       int
	logFormat               string
	logFile                 string
	journalPath             string
	metricsFile             string
}

func (o *rootOptions) register(fs *pflag.FlagSet) {
	fs.StringVarP(&o.configPath, "config", "c", defaultConfigPath, `config file ("-" reads standard input)`)
	fs.BoolVarP(&o.debug, "debug", "d", false, "enable debug logging")
	fs.StringVar(&o.logFormat, "log-format", "", "log format: console or json")
	fs.StringVar(&o.logFile, "log-file", "", "also write JSON logs to this file")

	fs.StringVar(&o.server, "server", "", "libvirt URI or unix socket path")
	fs.StringVar(&o.username, "username", "", "libvirt username")
	fs.StringVar(&o.password, "password", "", "libvirt password")
	fs.BoolVar(&o.dryRun, "dry-run", false, "log what would change without changing anything")
	fs.StringSliceVar(&o.vmNames, "vm-names", nil, "VMs to back up (comma separated)")
	fs.StringVar(&o.vmMiddle, "vm-middle", "", "marker inserted between VM name and timestamp in backup names")
	fs.StringVar(&o.snapshotDescription, "snapshot-description", "", "description identifying backup snapshots")
	fs.StringVar(&o.clusterName, "cluster-name", "", "hypervisor host clones are created on")
	fs.StringVar(&o.exportDomain, "export-domain", "", "storage pool backups are exported to")
	fs.StringVar(&o.storageDomain, "storage-domain", "", "storage pool clones are created in")
	fs.IntVar(&o.timeout, "timeout", 0, "seconds between status polls")
	fs.IntVar(&o.backupKeepCount, "backup-keep-count", 0, "delete backups older than this many days (0 disables)")
	fs.IntVar(&o.backupKeepCountByNumber, "backup-keep-count-by-number", 0, "keep at most this many backups per VM (0 disables)")
	fs.IntVar(&o.vmNameMaxLength, "vm-name-max-length", 0, "maximum clone name length")
	fs.BoolVar(&o.useShortSuffix, "use-short-suffix", false, "use a short timestamp suffix in backup names")
	fs.Float64Var(&o.storageSpaceThreshold, "storage-space-threshold", 0, "fraction of free space to keep on the storage pool")
	fs.BoolVar(&o.persistMemoryState, "persist-memorystate", false, "include memory state in snapshots of running VMs")
	fs.DurationVar(&o.snapshotGracePeriod, "snapshot-grace-period", 0, "wait after creating a snapshot")
	fs.IntVar(&o.maxPollAttempts, "max-poll-attempts", 0, "give up waiting after this many polls (0 waits forever)")
	fs.IntVar(&o.reconnectAttempts, "reconnect-attempts", 0, "reconnects allowed per VM after connectivity failures")
	fs.StringVar(&o.journalPath, "journal", "", "sqlite file recording run history")
	fs.StringVar(&o.metricsFile, "metrics-file", "", "write Prometheus metrics for the run to this file")
}

// overrides returns the values of the flags set on the command line.
func (o *rootOptions) overrides(fs *pflag.FlagSet) *config.Overrides {
	ov := &config.Overrides{}
	changed := fs.Changed

	if changed("server") {
		ov.Server = &o.server
	}
	if changed("username") {
		ov.Username = &o.username
	}
	if changed("password") {
		ov.Password = &o.password
	}
	if changed("dry-run") {
		ov.DryRun = &o.dryRun
	}
	if changed("vm-names") {
		ov.VMNames = &o.vmNames
	}
	if changed("vm-middle") {
		ov.VMMiddle = &o.vmMiddle
	}
	if changed("snapshot-description") {
		ov.SnapshotDescription = &o.snapshotDescription
	}
	if changed("cluster-name") {
		ov.ClusterName = &o.clusterName
	}
	if changed("export-domain") {
		ov.ExportDomain = &o.exportDomain
	}
	if changed("storage-domain") {
		ov.StorageDomain = &o.storageDomain
	}
	if changed("timeout") {
		ov.Timeout = &o.timeout
	}
	if changed("backup-keep-count") {
		ov.BackupKeepCount = &o.backupKeepCount
	}
	if changed("backup-keep-count-by-number") {
		ov.BackupKeepCountByNumber = &o.backupKeepCountByNumber
	}
	if changed("vm-name-max-length") {
		ov.VMNameMaxLength = &o.vmNameMaxLength
	}
	if changed("use-short-suffix") {
		ov.UseShortSuffix = &o.useShortSuffix
	}
	if changed("storage-space-threshold") {
		ov.StorageSpaceThreshold = &o.storageSpaceThreshold
	}
	if changed("persist-memorystate") {
		ov.PersistMemoryState = &o.persistMemoryState
	}
	if changed("snapshot-grace-period") {
		ov.SnapshotGracePeriod = &o.snapshotGracePeriod
	}
	if changed("max-poll-attempts") {
		ov.MaxPollAttempts = &o.maxPollAttempts
	}
	if changed("reconnect-attempts") {
		ov.ReconnectAttempts = &o.reconnectAttempts
	}
	if changed("log-format") {
		ov.LogFormat = &o.logFormat
	}
	if changed("log-file") {
		ov.LogFile = &o.logFile
	}
	if changed("journal") {
		ov.JournalPath = &o.journalPath
	}
	if changed("metrics-file") {
		ov.MetricsFile = &o.metricsFile
	}
	return ov
}

// app is the loaded configuration and logger a command runs with.
type app struct {
	cfg        *config.Config
	configPath string
	logger     zerolog.Logger
	logCloser  io.Closer
	connector  platform.Connector
}

// setup loads the configuration and builds the logger. The returned
// context carries the logger.
func (o *rootOptions) setup(cmd *cobra.Command) (*app, context.Context, error) {
	cfg, err := config.LoadFromFile(o.configPath, o.overrides(cmd.Flags()))
	if err != nil {
		return nil, nil, err
	}

	level := zerolog.InfoLevel.String()
	if o.debug {
		level = zerolog.DebugLevel.String()
	}
	logger, closer, err := logging.New(logging.Options{
		Format: logging.Format(cfg.LogFormat),
		Level:  level,
		File:   cfg.LogFile,
		Writer: cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, nil, err
	}
	log.Logger = logger

	a := &app{
		cfg:        cfg,
		configPath: o.configPath,
		logger:     logger,
		logCloser:  closer,
		connector:  newConnector(cfg),
	}
	return a, logger.WithContext(cmd.Context()), nil
}

func (a *app) close() {
	if err := a.logCloser.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close log file")
	}
}

// connect opens a session; the caller closes it.
func (a *app) connect(ctx context.Context) (platform.Session, error) {
	a.logger.Debug().Str("server", connectOptions(a.cfg).Redacted()).Msg("connecting")
	return a.connector.Connect(ctx)
}

func closeSession(logger *zerolog.Logger, s platform.Session) {
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close connection")
	}
}

// logPreconditions reports each precondition problem on its own line.
func logPreconditions(logger *zerolog.Logger, err error) bool {
	var pre *backup.PreconditionError
	if !errors.As(err, &pre) {
		return false
	}
	for _, p := range pre.Problems {
		logger.Error().Msg(p)
	}
	return true
}
