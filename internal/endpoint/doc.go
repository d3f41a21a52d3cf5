// Package endpoint describes the remote inpainting models the handlers call.
// An Endpoint pairs a fal model id with its tuning parameters, builds the
// request arguments for an image, and tracks in-flight calls and latency.
package endpoint
