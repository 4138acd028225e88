package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultDebugLevel = "info"
	defaultDataDir    = "data"
	defaultDBName     = "experts.db"
	defaultListenAddr = "localhost:8745"
)

// SchedulerConf holds the scheduler-role flags.
type SchedulerConf struct {
	Listen string `long:"listen" description:"Address for the worker WebSocket listener"`
}

// WorkerConf holds the worker-role flags.
type WorkerConf struct {
	SchedulerURL string `long:"schedulerurl" description:"ws:// URL of the scheduler to dial"`
	Capacity     int    `long:"capacity" description:"Maximum experts run concurrently"`
	ID           string `long:"id" description:"Stable worker identifier; generated when empty"`
}

// Config defines the configuration options for expertd.
//
// See LoadConfig for further details regarding the configuration
// loading+parsing process.
type Config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`
	DataDir     string `short:"b" long:"datadir" description:"The directory that contains the expert database"`

	RunScheduler bool `long:"scheduler" description:"Run the scheduler role"`
	RunWorker    bool `long:"worker" description:"Run the worker role"`

	Scheduler *SchedulerConf `group:"Scheduler" namespace:"scheduler"`
	Worker    *WorkerConf    `group:"Worker" namespace:"worker"`
}

// DBPath returns the expert database location under the data dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, defaultDBName)
}

// LoadConfig initializes and parses the config using command line options.
func LoadConfig(args []string) (*Config, error) {
	cfg := &Config{
		DebugLevel: defaultDebugLevel,
		DataDir:    defaultDataDir,
		Scheduler: &SchedulerConf{
			Listen: defaultListenAddr,
		},
		Worker: &WorkerConf{},
	}

	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.ParseArgs(args[1:]); err != nil {
		return nil, err
	}

	if !cfg.RunScheduler && !cfg.RunWorker {
		return nil, fmt.Errorf("at least one of --scheduler or " +
			"--worker is required")
	}
	if cfg.RunWorker && cfg.Worker.SchedulerURL == "" {
		if !cfg.RunScheduler {
			return nil, fmt.Errorf("--worker.schedulerurl is " +
				"required in worker-only mode")
		}
		cfg.Worker.SchedulerURL = "ws://" + cfg.Scheduler.Listen
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}

	if err := setLogLevels(cfg.DebugLevel); err != nil {
		return nil, err
	}
	return cfg, nil
}
