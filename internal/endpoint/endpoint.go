package endpoint

import (
	"sync"
	"time"
)

// Endpoint names used in responses and metrics.
const (
	NamePrimary  = "primary"
	NameFallback = "fallback"
	NameSingle   = "single"
)

const ewmaAlpha = 0.2

// Params are the model tuning constants. Zero values are omitted from the
// request; Seed is sent whenever it is set.
type Params struct {
	Prompt            string
	NegativePrompt    string
	NumInferenceSteps int
	GuidanceScale     float64
	Strength          float64
	Seed              *int
}

// Endpoint is one configured remote model.
type Endpoint struct {
	name    string
	modelID string
	params  Params

	mutex       sync.Mutex
	activeCalls int
	ewmaLatency time.Duration
	hasEWMA     bool
}

func New(name, modelID string, params Params) *Endpoint {
	if params.Seed != nil {
		seed := *params.Seed
		params.Seed = &seed
	}

	return &Endpoint{
		name:    name,
		modelID: modelID,
		params:  params,
	}
}

func (e *Endpoint) Name() string {
	return e.name
}

func (e *Endpoint) ModelID() string {
	return e.modelID
}

// Arguments builds the fal request arguments for imageURL.
func (e *Endpoint) Arguments(imageURL string) map[string]any {
	args := map[string]any{
		"image_url": imageURL,
	}

	p := e.params
	if p.Prompt != "" {
		args["prompt"] = p.Prompt
	}
	if p.NegativePrompt != "" {
		args["negative_prompt"] = p.NegativePrompt
	}
	if p.NumInferenceSteps > 0 {
		args["num_inference_steps"] = p.NumInferenceSteps
	}
	if p.GuidanceScale > 0 {
		args["guidance_scale"] = p.GuidanceScale
	}
	if p.Strength > 0 {
		args["strength"] = p.Strength
	}
	if p.Seed != nil {
		args["seed"] = *p.Seed
	}

	return args
}

// IncrementCalls marks the start of a call to the model.
func (e *Endpoint) IncrementCalls() {
	e.mutex.Lock()
	e.activeCalls++
	e.mutex.Unlock()
}

// DecrementCalls marks the end of a call. It never goes below zero.
func (e *Endpoint) DecrementCalls() {
	e.mutex.Lock()
	if e.activeCalls > 0 {
		e.activeCalls--
	}
	e.mutex.Unlock()
}

func (e *Endpoint) ActiveCalls() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.activeCalls
}

// RecordLatency folds the duration of a finished call into the moving average.
func (e *Endpoint) RecordLatency(d time.Duration) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if !e.hasEWMA {
		e.ewmaLatency = d
		e.hasEWMA = true
		return
	}
	// ewma = (1 - α) * ewma + α * latest
	e.ewmaLatency = time.Duration((1-ewmaAlpha)*float64(e.ewmaLatency) + ewmaAlpha*float64(d))
}

// EWMALatency returns 0 until a call has been recorded.
func (e *Endpoint) EWMALatency() time.Duration {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.ewmaLatency
}
