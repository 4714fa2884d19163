package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-svcmgr/pkg/errors"
	"github.com/core-tools/hsu-svcmgr/pkg/logsink"
	"github.com/core-tools/hsu-svcmgr/pkg/process"
	"github.com/core-tools/hsu-svcmgr/pkg/restart"
)

// Config is the validated supervisor configuration. It does not change after Parse.
type Config struct {
	Title         string
	Execution     process.ExecutionConfig
	Logs          logsink.Config
	Restart       restart.Config
	MinUptime     time.Duration
	GracePeriod   time.Duration
	Watch         bool
	MetricsAddr   string
	KeepaliveAddr string
	Verbose       bool
}

// Parse reads the command line (without the program name), merges the optional
// YAML file and validates the result. Arguments left after the flags, usually
// following "--", are passed to the supervised program.
func Parse(argv []string) (*Config, error) {
	var opts Options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Usage = "[OPTIONS] [-- PROGRAM ARGS...]"

	rest, err := parser.ParseArgs(argv)
	if err != nil {
		if IsHelp(err) {
			return nil, err
		}
		return nil, errors.NewValidationError("command line flags parsing failed", err)
	}

	if opts.ConfigFile != "" {
		file, err := LoadFileOptions(opts.ConfigFile)
		if err != nil {
			return nil, err
		}
		merge(parser, &opts, file)
		if len(rest) == 0 {
			rest = file.Args
		}
	}

	return Build(opts, rest)
}

// IsHelp reports whether err is the help request produced by Parse.
func IsHelp(err error) bool {
	flagsErr, ok := err.(*flags.Error)
	return ok && flagsErr.Type == flags.ErrHelp
}

// LoadFileOptions loads option values from a YAML file
func LoadFileOptions(filename string) (*FileOptions, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewValidationError("failed to read configuration file", err).WithContext("filename", filename)
	}

	var file FileOptions
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err).WithContext("filename", filename)
	}
	return &file, nil
}

// merge copies file values into opts for every option not given on the command line.
func merge(parser *flags.Parser, opts *Options, file *FileOptions) {
	// IsSet is also true for values taken from a default tag.
	isSet := func(long string) bool {
		option := parser.FindOptionByLongName(long)
		return option != nil && option.IsSet() && !option.IsSetDefault()
	}

	mergeValue(&opts.File, file.File, isSet("file"))
	mergeValue(&opts.Log, file.Log, isSet("log"))
	mergeValue(&opts.ErrorLog, file.ErrorLog, isSet("errorlog"))
	mergeValue(&opts.Title, file.Title, isSet("title"))
	mergeValue(&opts.MaxRetries, file.MaxRetries, isSet("maxretries"))
	mergeValue(&opts.MaxRestarts, file.MaxRestarts, isSet("maxrestarts"))
	mergeValue(&opts.Wait, file.Wait, isSet("wait"))
	mergeValue(&opts.Grow, file.Grow, isSet("grow"))
	mergeValue(&opts.AbortOnError, file.AbortOnError, isSet("abortonerror"))
	mergeValue(&opts.MinUptime, file.MinUptime, isSet("minuptime"))
	mergeValue(&opts.Grace, file.Grace, isSet("grace"))
	mergeValue(&opts.LogMaxSize, file.LogMaxSize, isSet("log-max-size"))
	mergeValue(&opts.LogMaxBackups, file.LogMaxBackups, isSet("log-max-backups"))
	mergeValue(&opts.LogMaxAge, file.LogMaxAge, isSet("log-max-age"))
	mergeValue(&opts.LogCompress, file.LogCompress, isSet("log-compress"))
	mergeValue(&opts.Watch, file.Watch, isSet("watch"))
	mergeValue(&opts.MetricsAddr, file.MetricsAddr, isSet("metrics-addr"))
	mergeValue(&opts.KeepaliveAddr, file.KeepaliveAddr, isSet("keepalive-addr"))
	mergeValue(&opts.Verbose, file.Verbose, isSet("verbose"))

	if !isSet("env") && len(file.Env) > 0 {
		opts.Env = append([]string(nil), file.Env...)
	}
}

func mergeValue[T any](dst *T, src *T, setOnCommandLine bool) {
	if src != nil && !setOnCommandLine {
		*dst = *src
	}
}

// Build validates options and turns them into a Config.
func Build(opts Options, args []string) (*Config, error) {
	if err := Validate(opts); err != nil {
		return nil, err
	}

	abortOnError, _ := parseYesNo(opts.AbortOnError)

	file, err := filepath.Abs(opts.File)
	if err != nil {
		return nil, errors.NewValidationError("failed to resolve program path", err).WithContext("file", opts.File)
	}

	config := &Config{
		Title: opts.Title,
		Execution: process.ExecutionConfig{
			ExecutablePath: file,
			Args:           append([]string(nil), args...),
			Environment:    append([]string(nil), opts.Env...),
		},
		Logs: logsink.Config{
			OutputPath: opts.Log,
			ErrorPath:  opts.ErrorLog,
			Rotation: logsink.Rotation{
				MaxSizeMB:  opts.LogMaxSize,
				MaxBackups: opts.LogMaxBackups,
				MaxAgeDays: opts.LogMaxAge,
				Compress:   opts.LogCompress,
			},
		},
		Restart: restart.Config{
			MaxTotalRestarts:     opts.MaxRetries,
			MaxRestartsPerWindow: opts.MaxRestarts,
			InitialWait:          seconds(opts.Wait),
			GrowthFactor:         opts.Grow,
			AbortOnError:         abortOnError,
			Window:               restart.DefaultWindow,
		},
		MinUptime:     seconds(opts.MinUptime),
		GracePeriod:   seconds(opts.Grace),
		Watch:         opts.Watch,
		MetricsAddr:   opts.MetricsAddr,
		KeepaliveAddr: opts.KeepaliveAddr,
		Verbose:       opts.Verbose,
	}

	if err := process.ValidateExecutionConfig(config.Execution); err != nil {
		return nil, err
	}
	if err := restart.ValidateConfig(config.Restart); err != nil {
		return nil, errors.NewValidationError("invalid restart configuration", err)
	}
	return config, nil
}

// Validate checks option values before anything is launched.
func Validate(opts Options) error {
	required := []struct {
		name  string
		value string
	}{
		{"file", opts.File},
		{"log", opts.Log},
		{"errorlog", opts.ErrorLog},
		{"title", opts.Title},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return errors.NewValidationError("missing required option --"+r.name, nil)
		}
	}

	if opts.MaxRetries < restart.Unlimited {
		return errors.NewValidationError("maxretries must be -1 or a non-negative number", nil).WithContext("maxretries", opts.MaxRetries)
	}
	if opts.MaxRestarts < 0 {
		return errors.NewValidationError("maxrestarts cannot be negative", nil).WithContext("maxrestarts", opts.MaxRestarts)
	}
	if !isFinite(opts.Wait) || opts.Wait < 0 {
		return errors.NewValidationError("wait must be zero or more seconds", nil).WithContext("wait", opts.Wait)
	}
	if !isFinite(opts.Grow) || opts.Grow < 0 || opts.Grow > 1 {
		return errors.NewValidationError("grow must be between 0.0 and 1.0", nil).WithContext("grow", opts.Grow)
	}
	if _, ok := parseYesNo(opts.AbortOnError); !ok {
		return errors.NewValidationError("abortonerror must be one of y, yes, n, no", nil).WithContext("abortonerror", opts.AbortOnError)
	}
	for _, kv := range opts.Env {
		if i := strings.IndexByte(kv, '='); i <= 0 {
			return errors.NewValidationError("env must have the form KEY=VALUE", nil).WithContext("env", kv)
		}
	}
	if !isFinite(opts.MinUptime) || opts.MinUptime < 0 {
		return errors.NewValidationError("minuptime cannot be negative", nil).WithContext("minuptime", opts.MinUptime)
	}
	if !isFinite(opts.Grace) || opts.Grace < 0 {
		return errors.NewValidationError("grace cannot be negative", nil).WithContext("grace", opts.Grace)
	}
	if opts.LogMaxSize < 0 || opts.LogMaxBackups < 0 || opts.LogMaxAge < 0 {
		return errors.NewValidationError("log rotation settings cannot be negative", nil)
	}
	if opts.KeepaliveAddr == "" {
		return errors.NewValidationError("keepalive-addr cannot be empty", nil)
	}
	return nil
}

func parseYesNo(value string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "y", "yes":
		return true, true
	case "n", "no":
		return false, true
	default:
		return false, false
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
