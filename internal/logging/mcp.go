package logging

import (
	"log/slog"
)

// SetupMCPMode initializes logging for the MCP server and installs it as the
// default logger. Logs go ONLY to the file: stdout carries JSON-RPC and any
// stray write corrupts the protocol stream.
func SetupMCPMode(level, filePath string) (func(), error) {
	if filePath == "" {
		filePath = DefaultLogPath()
	}
	cfg := Config{
		Level:         level,
		FilePath:      filePath,
		MaxSizeMB:     10,
		MaxFiles:      5,
		WriteToStderr: false,
	}

	logger, cleanup, err := Setup(cfg)
	if err != nil {
		return nil, err
	}

	slog.SetDefault(logger)
	slog.Info("mcp_logging_initialized",
		slog.String("log_file", cfg.FilePath),
		slog.String("level", cfg.Level))

	return cleanup, nil
}
