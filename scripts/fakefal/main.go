// Fakefal is a stand-in for the fal.ai queue API used for local runs and
// failover drills. Every submitted request completes after -delay.
//
// Usage:
//
//	go run ./scripts/fakefal -port 9999 -delay 2s
//	go run ./scripts/fakefal -fail fal-ai/flux/dev/image-to-image
//	go run ./scripts/fakefal -empty fal-ai/lama
//
// Point the service at it with FAL_QUEUE_URL=http://localhost:9999.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/angeloszaimis/text-remover/pkg/logger"
)

type request struct {
	model   string
	readyAt time.Time
}

type queue struct {
	log     *slog.Logger
	delay   time.Duration
	failing map[string]bool
	empty   map[string]bool

	mutex    sync.Mutex
	requests map[string]*request
}

func main() {
	port := flag.Int("port", 9999, "port to listen on")
	delay := flag.Duration("delay", time.Second, "time until a request completes")
	fail := flag.String("fail", "", "comma-separated model ids whose submits fail")
	empty := flag.String("empty", "", "comma-separated model ids that answer without an image")
	flag.Parse()

	q := &queue{
		log:      logger.New("info", false, "dev"),
		delay:    *delay,
		failing:  toSet(*fail),
		empty:    toSet(*empty),
		requests: make(map[string]*request),
	}

	addr := fmt.Sprintf(":%d", *port)
	q.log.Info("Starting fake fal queue", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, q); err != nil {
		q.log.Error("Server failed", slog.Any("err", err))
	}
}

func toSet(list string) map[string]bool {
	set := make(map[string]bool)
	for _, item := range strings.Split(list, ",") {
		if item = strings.Trim(strings.TrimSpace(item), "/"); item != "" {
			set[item] = true
		}
	}
	return set
}

func (q *queue) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "missing credentials"})
		return
	}

	path := strings.Trim(r.URL.Path, "/")

	switch {
	case r.Method == http.MethodPost:
		q.submit(w, r, path)
	case r.Method == http.MethodGet && strings.HasPrefix(path, "requests/") && strings.HasSuffix(path, "/status"):
		q.status(w, strings.TrimSuffix(strings.TrimPrefix(path, "requests/"), "/status"))
	case r.Method == http.MethodGet && strings.HasPrefix(path, "requests/"):
		q.result(w, strings.TrimPrefix(path, "requests/"))
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "not found"})
	}
}

func (q *queue) submit(w http.ResponseWriter, r *http.Request, model string) {
	log := q.log.With(slog.String("model", model))

	if q.failing[model] {
		log.Warn("Failing submit")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "model unavailable"})
		return
	}

	var args map[string]any
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid json"})
		return
	}

	id := uuid.NewString()
	q.mutex.Lock()
	q.requests[id] = &request{model: model, readyAt: time.Now().Add(q.delay)}
	q.mutex.Unlock()

	log.Info("Queued request", slog.String("request_id", id), slog.Any("args", args))

	base := "http://" + r.Host + "/requests/" + id
	writeJSON(w, http.StatusOK, map[string]string{
		"request_id":   id,
		"status_url":   base + "/status",
		"response_url": base,
	})
}

func (q *queue) lookup(id string) (*request, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	req, ok := q.requests[id]
	return req, ok
}

func (q *queue) status(w http.ResponseWriter, id string) {
	req, ok := q.lookup(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "unknown request"})
		return
	}

	if time.Now().Before(req.readyAt) {
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "IN_PROGRESS"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "COMPLETED"})
}

func (q *queue) result(w http.ResponseWriter, id string) {
	req, ok := q.lookup(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "unknown request"})
		return
	}

	if q.empty[req.model] {
		writeJSON(w, http.StatusOK, map[string]any{"images": []any{}, "has_nsfw_concepts": []bool{true}})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"image": map[string]any{
			"url":          "https://fake.fal.media/files/" + id + ".png",
			"content_type": "image/png",
			"file_name":    id + ".png",
		},
		"seed": 42,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
