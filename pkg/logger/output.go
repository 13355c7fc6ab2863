package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap/zapcore"
)

// LogDirEnv overrides where per-service log files land. Without it the
// files go under the user's home directory.
const LogDirEnv = "FLOWMESH_LOG_DIR"

// GetLogOutput opens the append-only log file for a service, creating the
// directory on first use.
func GetLogOutput(serviceName string) (zapcore.WriteSyncer, error) {
	dir, err := logDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, serviceName+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	return zapcore.Lock(zapcore.AddSync(f)), nil
}

func logDir() (string, error) {
	if dir := os.Getenv(LogDirEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve log directory: %w", err)
	}
	return filepath.Join(home, ".flowmesh", "log"), nil
}
