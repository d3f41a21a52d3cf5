// Package httpserver runs the local HTTP front for the handlers with
// validated addresses, bounded timeouts and graceful shutdown.
package httpserver
