package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds all logging-related command-line flags
type Flags struct {
	LogLevel       string
	LogFormat      string
	LogFile        string
	DebugRTSP      bool
	DebugData      bool
	DebugTransport bool
	DebugSession   bool
	DebugAll       bool
}

// RegisterFlags registers logging flags with the given FlagSet
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info",
		"Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text",
		"Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "",
		"Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "",
		"Log output file path (shorthand)")

	// Debug category flags
	fs.BoolVar(&f.DebugRTSP, "debug-rtsp", false,
		"Enable RTSP message debugging (start-lines, headers, CSeq pairing)")
	fs.BoolVar(&f.DebugData, "debug-data", false,
		"Enable interleaved frame debugging (channel, size, raw bytes)")
	fs.BoolVar(&f.DebugTransport, "debug-transport", false,
		"Enable transport debugging (dial, reconnect, close)")
	fs.BoolVar(&f.DebugSession, "debug-session", false,
		"Enable session handshake debugging (DESCRIBE, SETUP, PLAY, keepalive)")
	fs.BoolVar(&f.DebugAll, "debug-all", false,
		"Enable all debug categories")

	return f
}

// ToConfig converts Flags to a logger Config
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	cfg.OutputFile = f.LogFile

	// Any debug category forces debug level
	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		cfg.Level = LevelDebug
	} else {
		if f.DebugRTSP {
			cfg.EnableCategory(DebugRTSP)
			cfg.Level = LevelDebug
		}
		if f.DebugData {
			cfg.EnableCategory(DebugData)
			cfg.Level = LevelDebug
		}
		if f.DebugTransport {
			cfg.EnableCategory(DebugTransport)
			cfg.Level = LevelDebug
		}
		if f.DebugSession {
			cfg.EnableCategory(DebugSession)
			cfg.Level = LevelDebug
		}
	}

	return cfg, nil
}

// PrintUsageExamples prints usage examples for logging flags
func PrintUsageExamples() {
	examples := `
Logging Examples:

  Basic usage (INFO level, text format to stdout):
    ./rtsp-probe

  Enable DEBUG level:
    ./rtsp-probe --log-level debug
    ./rtsp-probe -l debug

  Log to file:
    ./rtsp-probe --log-file probe.log
    ./rtsp-probe -o probe.log

  JSON format for structured logging:
    ./rtsp-probe --log-format json -o probe.json

  Debug interleaved frames only:
    ./rtsp-probe --debug-data

  Debug the RTSP handshake:
    ./rtsp-probe --debug-rtsp --debug-session

  Debug everything:
    ./rtsp-probe --debug-all -o debug.log
`
	fmt.Println(examples)
}

// String returns a string representation of enabled flags
func (f *Flags) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("level=%s", f.LogLevel))
	parts = append(parts, fmt.Sprintf("format=%s", f.LogFormat))

	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var debugCategories []string
	if f.DebugAll {
		debugCategories = append(debugCategories, "all")
	} else {
		if f.DebugRTSP {
			debugCategories = append(debugCategories, "rtsp")
		}
		if f.DebugData {
			debugCategories = append(debugCategories, "data")
		}
		if f.DebugTransport {
			debugCategories = append(debugCategories, "transport")
		}
		if f.DebugSession {
			debugCategories = append(debugCategories, "session")
		}
	}

	if len(debugCategories) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(debugCategories, ",")))
	}

	return strings.Join(parts, " ")
}
