// Package handler implements the serverless inpainting handlers.
//
// An InpaintHandler owns an ordered chain of model endpoints. Every endpoint
// except the last absorbs its failures and hands over to the next one; the
// last endpoint decides the response. A chain of one is the single-model
// handler, a chain of two is the primary/fallback handler.
//
// Handle works on runtime events, ServeHTTP adapts the same logic to
// net/http for local serving.
package handler
