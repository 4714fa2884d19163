package logsink

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap/zapcore"
	lj "gopkg.in/natefinch/lumberjack.v2"

	"github.com/core-tools/hsu-svcmgr/pkg/errors"
	"github.com/core-tools/hsu-svcmgr/pkg/logging"
)

// Destination selects one of the two log files.
type Destination int

const (
	Output Destination = iota
	Error
)

func (d Destination) String() string {
	if d == Error {
		return "error"
	}
	return "output"
}

// SupervisorOrigin labels lines written by the supervisor itself.
const SupervisorOrigin = "SVCMGR"

// DefaultTimeLayout renders timestamps the way an en-US locale prints a date and time.
const DefaultTimeLayout = "1/2/2006, 3:04:05 PM"

// ChildOrigin labels lines relayed from the child with the given pid.
func ChildOrigin(pid int) string {
	return "P." + strconv.Itoa(pid)
}

// Rotation enables size based rotation. A zero MaxSizeMB keeps the file a plain
// append-only log.
type Rotation struct {
	MaxSizeMB  int  `yaml:"max_size_mb,omitempty"`
	MaxBackups int  `yaml:"max_backups,omitempty"`
	MaxAgeDays int  `yaml:"max_age_days,omitempty"`
	Compress   bool `yaml:"compress,omitempty"`
}

// Config describes the two log destinations.
type Config struct {
	OutputPath string
	ErrorPath  string
	Rotation   Rotation
	TimeLayout string
}

// Sink appends "<timestamp> - <origin> - <text>" lines to the output and error logs.
// Every Write reaches the file before it returns.
type Sink struct {
	out     zapcore.Core
	err     zapcore.Core
	now     func() time.Time
	closers []io.Closer
}

// Open opens (creating when needed) both log files for appending.
func Open(config Config) (*Sink, error) {
	if config.OutputPath == "" || config.ErrorPath == "" {
		return nil, errors.NewValidationError("both log paths are required", nil)
	}

	outW, err := openWriter(config.OutputPath, config.Rotation)
	if err != nil {
		return nil, err
	}
	var errW io.WriteCloser
	if filepath.Clean(config.ErrorPath) == filepath.Clean(config.OutputPath) {
		errW = outW
	} else {
		errW, err = openWriter(config.ErrorPath, config.Rotation)
		if err != nil {
			_ = outW.Close()
			return nil, err
		}
	}

	sink := New(outW, errW, config.TimeLayout)
	sink.closers = append(sink.closers, outW)
	if errW != outW {
		sink.closers = append(sink.closers, errW)
	}
	return sink, nil
}

// New builds a sink over arbitrary writers. The caller keeps ownership of them.
func New(out, err io.Writer, timeLayout string) *Sink {
	if timeLayout == "" {
		timeLayout = DefaultTimeLayout
	}
	encoder := zapcore.NewConsoleEncoder(encoderConfig(timeLayout))

	outSync := zapcore.Lock(zapcore.AddSync(out))
	errSync := outSync
	if err != out {
		errSync = zapcore.Lock(zapcore.AddSync(err))
	}

	return &Sink{
		out: zapcore.NewCore(encoder, outSync, zapcore.DebugLevel),
		err: zapcore.NewCore(encoder.Clone(), errSync, zapcore.DebugLevel),
		now: time.Now,
	}
}

func encoderConfig(timeLayout string) zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:    "time",
		NameKey:    "origin",
		MessageKey: "msg",
		LineEnding: zapcore.DefaultLineEnding,
		EncodeTime: func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(t.Format(timeLayout))
		},
		EncodeName:       zapcore.FullNameEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " - ",
	}
}

func openWriter(path string, rotation Rotation) (io.WriteCloser, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, errors.NewIOError("failed to create log directory", err).WithContext("path", path)
		}
	}

	if rotation.MaxSizeMB > 0 {
		return &lj.Logger{
			Filename:   path,
			MaxSize:    rotation.MaxSizeMB,
			MaxBackups: rotation.MaxBackups,
			MaxAge:     rotation.MaxAgeDays,
			Compress:   rotation.Compress,
			LocalTime:  true,
		}, nil
	}

	// #nosec G302 G304 -- log paths come from the operator
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.NewIOError("failed to open log file", err).WithContext("path", path)
	}
	return f, nil
}

// Write appends one line. A trailing newline in text is dropped since every line
// is terminated by the encoder.
func (s *Sink) Write(dest Destination, origin, text string) {
	core := s.out
	level := zapcore.InfoLevel
	if dest == Error {
		core = s.err
		level = zapcore.ErrorLevel
	}
	if n := len(text); n > 0 && text[n-1] == '\n' {
		text = text[:n-1]
	}

	entry := zapcore.Entry{
		Level:      level,
		Time:       s.now(),
		LoggerName: origin,
		Message:    text,
	}
	if err := core.Write(entry, nil); err != nil {
		fmt.Fprintf(os.Stderr, "svcmgr: %s log write failed: %v\n", dest, err)
	}
}

// Logger returns a logging.Logger that writes supervisor messages into the sink:
// debug and info to the output log, warnings and errors to the error log.
// Debug messages are dropped unless verbose is set.
func (s *Sink) Logger(verbose bool) logging.Logger {
	funcs := logging.LogFuncs{
		Infof:  s.supervisorf(Output),
		Warnf:  s.supervisorf(Error),
		Errorf: s.supervisorf(Error),
	}
	if verbose {
		funcs.Debugf = s.supervisorf(Output)
	}
	return logging.NewLogger("", funcs)
}

func (s *Sink) supervisorf(dest Destination) logging.LogFunc {
	return func(format string, args ...interface{}) {
		s.Write(dest, SupervisorOrigin, fmt.Sprintf(format, args...))
	}
}

// Close closes the files opened by Open.
func (s *Sink) Close() error {
	collection := errors.NewErrorCollection()
	for _, c := range s.closers {
		collection.Add(c.Close())
	}
	s.closers = nil
	return collection.ToError()
}
