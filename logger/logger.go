package logger

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/lmittmann/tint"
	"gopkg.in/yaml.v3"
)

const (
	LevelTrace slog.Level = slog.LevelDebug - 4
	// levelNone is used to disable logging
	levelNone slog.Level = math.MaxInt32
)

/*
LogConfiguration describes how to build the logger. Zero value is valid
configuration: INFO level text log to stderr.
*/
type LogConfiguration struct {
	Level      string `yaml:"defaultLevel"`
	Format     string `yaml:"format"`
	OutputPath string `yaml:"outputPath"`
	// TimeFormat is time.Layout or "none" to omit time from log
	TimeFormat string `yaml:"timeFormat"`
	// when false "console" format uses colors
	NoColor bool `yaml:"noColor"`
	// where to write the log, when set OutputPath is ignored
	Writer io.Writer `yaml:"-"`
}

// LoadConfiguration reads logger configuration from YAML file.
func LoadConfiguration(fileName string) (*LogConfiguration, error) {
	f, err := os.Open(filepath.Clean(fileName))
	if err != nil {
		return nil, fmt.Errorf("opening logger configuration file: %w", err)
	}
	defer f.Close()

	cfg := &LogConfiguration{}
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decoding logger configuration (%s): %w", fileName, err)
	}
	return cfg, nil
}

/*
New creates logger based on the configuration, nil config is the same as
zero value config.
*/
func New(cfg *LogConfiguration) (*slog.Logger, error) {
	if cfg == nil {
		cfg = &LogConfiguration{}
	}
	out, err := cfg.writer()
	if err != nil {
		return nil, fmt.Errorf("creating writer for log output: %w", err)
	}
	h, err := cfg.handler(out)
	if err != nil {
		return nil, fmt.Errorf("creating handler: %w", err)
	}
	return slog.New(h), nil
}

func (cfg *LogConfiguration) handler(out io.Writer) (slog.Handler, error) {
	level := cfg.logLevel()
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.NewTextHandler(out, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: composeAttrFmt(formatTimeAttr(cfg.TimeFormat), formatDataAttrAsJSON),
		}), nil
	case "json":
		return slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: formatTimeAttr(cfg.TimeFormat),
		}), nil
	case "ecs":
		return slog.NewJSONHandler(out, &slog.HandlerOptions{
			AddSource:   true,
			Level:       level,
			ReplaceAttr: composeAttrFmt(formatTimeAttr(cfg.TimeFormat), formatAttrECS),
		}), nil
	case "console":
		timeFmt := cfg.TimeFormat
		if timeFmt == "" {
			timeFmt = "15:04:05.0000"
		}
		return tint.NewHandler(out, &tint.Options{
			Level:       level,
			NoColor:     cfg.NoColor,
			TimeFormat:  timeFmt,
			ReplaceAttr: composeAttrFmt(formatTimeAttr(cfg.TimeFormat), formatDataAttrAsJSON),
		}), nil
	case "minimal":
		return slog.NewTextHandler(out, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: formatAttrMinimal,
		}), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}

func (cfg *LogConfiguration) writer() (io.Writer, error) {
	if cfg.Writer != nil {
		return cfg.Writer, nil
	}
	switch strings.ToLower(cfg.OutputPath) {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	case "discard", os.DevNull:
		return io.Discard, nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.OutputPath), 0700); err != nil {
			return nil, fmt.Errorf("creating directory for log file: %w", err)
		}
		f, err := os.OpenFile(cfg.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // -rw-------
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		return f, nil
	}
}

func (cfg *LogConfiguration) logLevel() slog.Level {
	if cfg.OutputPath == "discard" || cfg.OutputPath == os.DevNull {
		return levelNone
	}

	switch strings.ToLower(cfg.Level) {
	case "":
		return slog.LevelInfo
	case "warning":
		return slog.LevelWarn
	case "trace":
		return LevelTrace
	case "none":
		return levelNone
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
