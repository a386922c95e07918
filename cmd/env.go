package cmd

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// The env helpers apply an environment variable only when the flag was not
// explicitly set on the command line. Invalid values are logged and ignored.

func envString(cmd *cobra.Command, flag, key string, dst *string) {
	if cmd.Flags().Changed(flag) {
		return
	}
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(cmd *cobra.Command, flag, key string, dst *bool) {
	if cmd.Flags().Changed(flag) {
		return
	}
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("ignoring invalid boolean environment variable", "key", key, "value", v)
		return
	}
	*dst = parsed
}

func envInt(cmd *cobra.Command, flag, key string, dst *int) {
	if cmd.Flags().Changed(flag) {
		return
	}
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring invalid integer environment variable", "key", key, "value", v)
		return
	}
	*dst = parsed
}

func envInt64(cmd *cobra.Command, flag, key string, dst *int64) {
	if cmd.Flags().Changed(flag) {
		return
	}
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		slog.Warn("ignoring invalid integer environment variable", "key", key, "value", v)
		return
	}
	*dst = parsed
}

// envDuration accepts Go durations ("3s", "1m") and plain seconds ("3").
func envDuration(cmd *cobra.Command, flag, key string, dst *time.Duration) {
	if cmd.Flags().Changed(flag) {
		return
	}
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parsed, err := parseDuration(v)
	if err != nil {
		slog.Warn("ignoring invalid duration environment variable", "key", key, "value", v)
		return
	}
	*dst = parsed
}

func envList(cmd *cobra.Command, flag, key string, dst *[]string) {
	if cmd.Flags().Changed(flag) {
		return
	}
	if v := os.Getenv(key); v != "" {
		*dst = parseCommaSeparatedList(v)
	}
}

func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// parseCommaSeparatedList parses a comma-separated string into a slice,
// trimming whitespace from each element and filtering out empty strings.
// Returns nil if the input is empty or contains only whitespace/commas.
func parseCommaSeparatedList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
