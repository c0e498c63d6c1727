// Package kz provides process-wide state for the kommunikationszentrum gate:
// the active configuration, lifecycle contexts and id generation.
package kz

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/mjl-/sconf"

	"github.com/enaut/kommunikationszentrum/config"
	"github.com/enaut/kommunikationszentrum/identity"
	"github.com/enaut/kommunikationszentrum/mlog"
)

var xlog = mlog.New("kz")

// ConfigPath is the path to the config file, set before calling LoadConfig.
var ConfigPath string

// Conf is the active configuration, set by LoadConfig.
var Conf config.Static

// OperatorID is the parsed operator identity from the configuration. It is
// always treated as admin and seeded into the admin registry at startup.
var OperatorID identity.Identity

// Shutdown is canceled when a graceful shutdown is initiated. Handlers should
// check this before starting new work.
var Shutdown context.Context
var ShutdownCancel func()

// Context should be used as parent by most operations. It is canceled shortly
// after Shutdown, aborting active operations.
var Context context.Context
var ContextCancel func()

var cid atomic.Int64

func init() {
	cid.Store(time.Now().UnixMilli())
}

// Cid returns a new unique id to be used for requests, for correlating log lines.
func Cid() int64 {
	return cid.Add(1)
}

// CidContext returns a context with a fresh cid for logging.
func CidContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, mlog.CidKey, Cid())
}

// ConfigDirPath returns the path to f. Either f itself when absolute, or
// interpreted relative to the directory of the current config file.
func ConfigDirPath(f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(filepath.Dir(ConfigPath), f)
}

// DataDirPath returns the path to f relative to the configured data directory.
func DataDirPath(f string) string {
	return filepath.Join(ConfigDirPath(Conf.DataDir), f)
}

// LoadConfig parses the config file at ConfigPath, initializes the lifecycle
// contexts and the logging configuration.
func LoadConfig() error {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())

	var c config.Static
	if err := sconf.ParseFile(ConfigPath, &c); err != nil {
		return fmt.Errorf("parsing config file %s: %v", ConfigPath, err)
	}

	logLevels := map[string]mlog.Level{}
	level, ok := mlog.Levels[c.LogLevel]
	if !ok {
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	logLevels[""] = level
	for pkg, s := range c.PackageLogLevels {
		level, ok := mlog.Levels[s]
		if !ok {
			return fmt.Errorf("unknown log level %q for package %q", s, pkg)
		}
		logLevels[pkg] = level
	}

	op, err := identity.ParseHex(c.OperatorIdentity)
	if err != nil {
		return fmt.Errorf("parsing operator identity: %v", err)
	}
	if op.IsZero() {
		return fmt.Errorf("operator identity must not be the zero identity")
	}

	mlog.SetConfig(logLevels)
	Conf = c
	OperatorID = op
	return nil
}

// MustLoadConfig loads the config, quitting on errors.
func MustLoadConfig() {
	if err := LoadConfig(); err != nil {
		xlog.Fatalx("loading config file", err)
	}
}

// EnsureDataDir creates the data directory if it does not yet exist.
func EnsureDataDir() error {
	dir := ConfigDirPath(Conf.DataDir)
	if err := os.MkdirAll(dir, 0770); err != nil {
		return fmt.Errorf("creating data directory %s: %v", dir, err)
	}
	return nil
}
