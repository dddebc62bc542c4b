package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mark-sch/GpsdTracking/pkg/security"
)

const (
	maxConfigSize = 1 << 20 // 1MB
	maxJSONDepth  = 32
	maxEnvVarLen  = 4096
	maxPathLen    = 4096
)

// configFormat returns "json" or "yaml" from the file extension.
func configFormat(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json", nil
	case ".yaml", ".yml":
		return "yaml", nil
	}
	return "", fmt.Errorf("unsupported config file %s: use .json, .yaml or .yml", path)
}

// safeReadFile reads a configuration file after basic sanity checks.
func safeReadFile(path string) ([]byte, error) {
	if path == "" {
		return nil, stderrors.New("empty config path")
	}
	if len(path) > maxPathLen {
		return nil, fmt.Errorf("path too long: %d > %d", len(path), maxPathLen)
	}
	if _, err := configFormat(path); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot stat config file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", path)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes > %d", info.Size(), maxConfigSize)
	}
	return os.ReadFile(path)
}

// safeWriteFile writes a configuration file readable by its owner only.
func safeWriteFile(path string, data []byte) error {
	if _, err := configFormat(path); err != nil {
		return err
	}
	if len(data) > maxConfigSize {
		return fmt.Errorf("config data too large: %d bytes > %d", len(data), maxConfigSize)
	}
	return os.WriteFile(path, data, 0o600)
}

func validateEnvVar(key, value string) error {
	if len(value) > maxEnvVarLen {
		return fmt.Errorf("environment variable %s too long: %d > %d", key, len(value), maxEnvVarLen)
	}
	if strings.Contains(value, "\x00") {
		return fmt.Errorf("null byte in environment variable %s", key)
	}
	return nil
}

// validateJSONDepth rejects documents nested deeper than maxJSONDepth.
func validateJSONDepth(data []byte) error {
	depth := 0
	inString := false
	escaped := false

	for _, b := range data {
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch b {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > maxJSONDepth {
				return fmt.Errorf("JSON nesting too deep: %d > %d", depth, maxJSONDepth)
			}
		case '}', ']':
			depth--
			if depth < 0 {
				return stderrors.New("malformed JSON: unbalanced brackets")
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("malformed JSON: unclosed brackets (depth=%d)", depth)
	}
	return nil
}

// validateServerTLS checks that an enabled listener has readable key material.
func validateServerTLS(field string, cfg security.ServerTLS) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return invalid("%s: cert_file and key_file are required when tls is enabled", field)
	}
	for _, file := range append([]string{cfg.CertFile, cfg.KeyFile}, cfg.ClientCAFiles...) {
		if _, err := os.Stat(file); err != nil {
			return invalid("%s: %v", field, err)
		}
	}
	switch cfg.MinVersion {
	case "", "1.2", "1.3":
	default:
		return invalid("%s: min_version must be \"1.2\" or \"1.3\", got %q", field, cfg.MinVersion)
	}
	if len(cfg.AllowedClientCNs) > 0 && len(cfg.ClientCAFiles) == 0 {
		return invalid("%s: allowed_client_cns needs client_ca_files", field)
	}
	return nil
}
