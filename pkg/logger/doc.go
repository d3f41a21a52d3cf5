// Package logger builds the structured slog logger used across the service.
// Log level and output format come from configuration: JSON in production,
// human readable text everywhere else.
package logger
