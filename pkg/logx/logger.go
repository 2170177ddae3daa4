package logx

import (
	"io"
	"os"
	"path"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
	"gopkg.in/natefinch/lumberjack.v2"
)

var pid = os.Getpid()
var startTime = time.Now()

// logger is usable before Initialize so that packages and tests can log without setup.
var logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
	With().
	Timestamp().
	Int("pid", pid).
	Logger()

// LoggingConfig holds the configuration for logging.
type LoggingConfig struct {
	// Level is the log level to use (e.g., "Info", "Debug").
	Level string
	// ConsoleLogging enables logging to the console.
	ConsoleLogging bool
	// FileLogging enables logging to a file.
	FileLogging bool
	// Directory specifies the directory for log files (used if FileLogging is enabled).
	Directory string
	// Filename is the name of the log file.
	Filename string
	// MaxSize is the maximum size (in MB) of a log file before it is rolled.
	MaxSize int
	// MaxBackups is the maximum number of rolled log files to keep.
	MaxBackups int
	// MaxAge is the maximum age (in days) to keep a log file.
	MaxAge int
	// Compress enables compression of rolled log files.
	Compress bool
}

func Initialize(c *LoggingConfig) error {
	return InitializeWithOptions(c)
}

// NewRollingFile returns a size-rotated file writer. It is shared by the log
// file and the record file sink.
func NewRollingFile(directory, filename string, maxSize, maxBackups, maxAge int, compress bool) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path.Join(directory, filename),
		MaxBackups: maxBackups, // files
		MaxSize:    maxSize,    // megabytes
		MaxAge:     maxAge,     // days
		Compress:   compress,
	}
}

// InitializeWithOptions configures the global logger. Any extra writers receive
// the raw JSON log lines in addition to the console and file outputs.
func InitializeWithOptions(cfg *LoggingConfig, extra ...io.Writer) error {
	l, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(l)
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	var writers []io.Writer
	if cfg.ConsoleLogging || (!cfg.FileLogging && len(extra) == 0) {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	if cfg.FileLogging {
		writers = append(writers, NewRollingFile(cfg.Directory, cfg.Filename,
			cfg.MaxSize, cfg.MaxBackups, cfg.MaxAge, cfg.Compress))
	}

	writers = append(writers, extra...)

	mw := zerolog.MultiLevelWriter(writers...)
	logger = zerolog.New(mw).With().
		Timestamp().
		Int("pid", pid).
		Logger()

	return nil
}

func As() *zerolog.Logger {
	return &logger
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

func StartTimer() {
	startTime = time.Now()
}

func ExecutionTime() string {
	return time.Since(startTime).Round(time.Second).String()
}

func GetPid() int {
	return pid
}
