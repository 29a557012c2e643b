// Package cfdconfig loads daemon configuration from command-line flags,
// following the same go-flags-driven loader shape lnd uses. The
// ConfigFile setting is accepted but no config file is read.
package cfdconfig

import (
	"fmt"
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "cfdd.conf"
	defaultDataDirname     = "data"
	defaultLogDirname      = "logs"
	defaultLogFilename     = "cfdd.log"
	defaultPeerPort        = 9735
	defaultMaxLogFileSize  = 10
	defaultMaxLogFiles     = 3
)

// Config holds every knob the daemon reads at startup. Unset optional
// strings resolve to defaults under DataDir in Validate.
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version and exit"`

	ConfigFile string `long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"d" long:"datadir" description:"Directory to store data"`
	LogDir     string `long:"logdir" description:"Directory to store log files"`
	DebugLevel string `short:"l" long:"debuglevel" description:"Logging level for all subsystems"`

	PeerPort int `short:"p" long:"peerport" description:"Port to listen for peer connections on"`

	Maker bool `long:"maker" description:"Run as a Maker: post offers, accept rollovers/settlements"`
	Taker bool `long:"taker" description:"Run as a Taker: take offers, propose rollovers/settlements"`

	MakerAddr string `long:"makeraddr" description:"Taker only: host:port of the maker to connect to"`

	IsAcceptingRollovers bool `long:"accept-rollovers" description:"Maker only: automatically accept rollover proposals"`
	IsAcceptingOrders    bool `long:"accept-orders" description:"Maker only: automatically accept taken orders without an explicit accept_order"`

	QuoteIntervalMinutes int `long:"quote-interval" description:"Minutes a collaborative-settlement quote remains valid for"`

	MaxLogFileSize int `long:"maxlogfilesize" description:"Maximum log file size in MB"`
	MaxLogFiles    int `long:"maxlogfiles" description:"Maximum number of rotated log files to keep"`
}

// DefaultConfig returns a Config with every field set to its default
// value, mirroring lnd's loadConfig default-struct literal.
func DefaultConfig() Config {
	return Config{
		ConfigFile:           defaultConfigFilename,
		DataDir:              defaultDataDirname,
		LogDir:               defaultLogDirname,
		DebugLevel:           "info",
		PeerPort:             defaultPeerPort,
		QuoteIntervalMinutes: 5,
		MaxLogFileSize:       defaultMaxLogFileSize,
		MaxLogFiles:          defaultMaxLogFiles,
	}
}

// LoadConfig parses command line flags over the defaults and validates
// the result. It does not read the file named by ConfigFile.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	if cfg.ShowVersion {
		return &cfg, nil
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Maker == c.Taker {
		return fmt.Errorf("exactly one of --maker or --taker must be set")
	}

	if c.LogDir == defaultLogDirname {
		c.LogDir = filepath.Join(c.DataDir, defaultLogDirname)
	}
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	return nil
}

// LogFile returns the path the rotating logger should write to.
func (c *Config) LogFile() string {
	return filepath.Join(c.LogDir, defaultLogFilename)
}

// EventStorePath returns the path to the SQLite event store database.
func (c *Config) EventStorePath() string {
	return filepath.Join(c.DataDir, "cfd.db")
}
