// Package config loads service configuration from an optional .env file,
// a YAML config file and environment variables. It covers the HTTP host,
// logging, the fal.ai queue client, the inpainting model definitions,
// circuit breaking, metrics and tracing.
package config
