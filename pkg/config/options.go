package config

// Options are the command line flags. Every option except --config may also be
// given in the YAML file; a flag present on the command line wins.
type Options struct {
	ConfigFile string `long:"config" description:"YAML file with option values"`

	File         string   `short:"f" long:"file" description:"Path of the program to supervise"`
	Log          string   `short:"l" long:"log" description:"Path of the output log file"`
	ErrorLog     string   `short:"e" long:"errorlog" description:"Path of the error log file"`
	Title        string   `short:"t" long:"title" description:"Name of the supervisor process"`
	MaxRetries   int      `short:"m" long:"maxretries" default:"-1" description:"Maximum number of restarts in total, -1 for unlimited"`
	MaxRestarts  int      `short:"r" long:"maxrestarts" default:"5" description:"Maximum number of launches within a 60 second window"`
	Wait         float64  `short:"w" long:"wait" default:"1" description:"Seconds to wait before the first restart"`
	Grow         float64  `short:"g" long:"grow" default:"0.25" description:"Fraction by which the wait grows after each failed restart (0.0-1.0)"`
	AbortOnError string   `short:"a" long:"abortonerror" default:"no" description:"Stop instead of restarting when the program exits with an error (y/yes/n/no)"`
	Env          []string `long:"env" description:"KEY=VALUE environment override for the program, may be repeated"`

	MinUptime     float64 `long:"minuptime" default:"60" description:"Seconds a run must last to reset the restart backoff, 0 resets as soon as it starts"`
	Grace         float64 `long:"grace" default:"5" description:"Seconds between asking the program to stop and killing it"`
	LogMaxSize    int     `long:"log-max-size" default:"0" description:"Rotate log files at this size in megabytes, 0 disables rotation"`
	LogMaxBackups int     `long:"log-max-backups" default:"0" description:"Rotated log files to keep, 0 keeps all"`
	LogMaxAge     int     `long:"log-max-age" default:"0" description:"Days to keep rotated log files, 0 keeps them forever"`
	LogCompress   bool    `long:"log-compress" description:"Gzip rotated log files"`
	Watch         bool    `long:"watch" description:"Restart the program when its file changes"`
	MetricsAddr   string  `long:"metrics-addr" description:"Address to serve Prometheus metrics on, empty disables"`
	KeepaliveAddr string  `long:"keepalive-addr" default:"127.0.0.1:0" description:"Address of the keep-alive health listener"`
	Verbose       bool    `short:"v" long:"verbose" description:"Write debug messages to the output log"`
}

// FileOptions is the YAML form of Options. Nil fields are not set by the file.
type FileOptions struct {
	File         *string  `yaml:"file"`
	Args         []string `yaml:"args,omitempty"`
	Log          *string  `yaml:"log"`
	ErrorLog     *string  `yaml:"errorlog"`
	Title        *string  `yaml:"title"`
	MaxRetries   *int     `yaml:"maxretries"`
	MaxRestarts  *int     `yaml:"maxrestarts"`
	Wait         *float64 `yaml:"wait"`
	Grow         *float64 `yaml:"grow"`
	AbortOnError *string  `yaml:"abortonerror"`
	Env          []string `yaml:"env,omitempty"`

	MinUptime     *float64 `yaml:"minuptime"`
	Grace         *float64 `yaml:"grace"`
	LogMaxSize    *int     `yaml:"log_max_size"`
	LogMaxBackups *int     `yaml:"log_max_backups"`
	LogMaxAge     *int     `yaml:"log_max_age"`
	LogCompress   *bool    `yaml:"log_compress"`
	Watch         *bool    `yaml:"watch"`
	MetricsAddr   *string  `yaml:"metrics_addr"`
	KeepaliveAddr *string  `yaml:"keepalive_addr"`
	Verbose       *bool    `yaml:"verbose"`
}
