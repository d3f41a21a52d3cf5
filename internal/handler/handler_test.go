package handler_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/text-remover/internal/circuitbreaker"
	"github.com/angeloszaimis/text-remover/internal/endpoint"
	"github.com/angeloszaimis/text-remover/internal/fal"
	"github.com/angeloszaimis/text-remover/internal/handler"
	"github.com/angeloszaimis/text-remover/internal/metrics"
	"github.com/angeloszaimis/text-remover/pkg/logger"
)

type call struct {
	modelID string
	args    map[string]any
}

type reply struct {
	body string
	err  error
}

// stubSubscriber answers per model with a canned result or error.
type stubSubscriber struct {
	mutex      sync.Mutex
	configured bool
	replies    map[string]reply
	calls      []call
	// onSubscribe runs before each reply is produced.
	onSubscribe func(modelID string)
}

func newStub() *stubSubscriber {
	return &stubSubscriber{configured: true, replies: map[string]reply{}}
}

func (s *stubSubscriber) Configured() bool { return s.configured }

func (s *stubSubscriber) Subscribe(_ context.Context, modelID string, args map[string]any) (*fal.Result, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.calls = append(s.calls, call{modelID: modelID, args: args})
	if s.onSubscribe != nil {
		s.onSubscribe(modelID)
	}

	r, ok := s.replies[modelID]
	if !ok {
		return nil, errors.New("no reply configured")
	}
	if r.err != nil {
		return nil, r.err
	}
	return fal.NewResult([]byte(r.body))
}

func (s *stubSubscriber) modelsCalled() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	models := make([]string, 0, len(s.calls))
	for _, c := range s.calls {
		models = append(models, c.modelID)
	}
	return models
}

const (
	primaryModel  = "fal-ai/flux/dev/image-to-image"
	fallbackModel = "fal-ai/lama"
	imageURL      = "https://example.com/in.png"
)

func decode(resp handler.Response) map[string]any {
	var body map[string]any
	ExpectWithOffset(1, json.Unmarshal([]byte(resp.Body), &body)).To(Succeed())
	return body
}

func postEvent(body string) handler.Event {
	return handler.Event{HTTPMethod: http.MethodPost, Body: body}
}

var _ = Describe("InpaintHandler", func() {
	var (
		stub      *stubSubscriber
		breakers  *circuitbreaker.Registry
		collector *metrics.Collector
		ctx       context.Context
		inv       handler.Invocation
	)

	newFallbackHandler := func() *handler.InpaintHandler {
		seed := 42
		h, err := handler.NewInpaintHandler(logger.Discard(), handler.Options{
			Variant: "remove-text",
			KeyName: "FAL_KEY",
			Client:  stub,
			Endpoints: []*endpoint.Endpoint{
				endpoint.New(endpoint.NamePrimary, primaryModel, endpoint.Params{
					Prompt:            "remove all text",
					NumInferenceSteps: 28,
					Seed:              &seed,
				}),
				endpoint.New(endpoint.NameFallback, fallbackModel, endpoint.Params{}),
			},
			Breakers:  breakers,
			Collector: collector,
		})
		Expect(err).NotTo(HaveOccurred())
		return h
	}

	newSingleHandler := func() *handler.InpaintHandler {
		h, err := handler.NewInpaintHandler(logger.Discard(), handler.Options{
			Variant: "process-image",
			Client:  stub,
			Endpoints: []*endpoint.Endpoint{
				endpoint.New(endpoint.NameSingle, fallbackModel, endpoint.Params{
					Prompt: "remove all text and watermarks, restore background",
				}),
			},
		})
		Expect(err).NotTo(HaveOccurred())
		return h
	}

	BeforeEach(func() {
		stub = newStub()
		breakers = circuitbreaker.NewRegistry(2, time.Minute)
		collector = metrics.NewCollector(64, logger.Discard())
		ctx = context.Background()
		inv = handler.Invocation{RequestID: "req-1"}
	})

	Describe("NewInpaintHandler", func() {
		It("should reject an empty endpoint chain", func() {
			_, err := handler.NewInpaintHandler(logger.Discard(), handler.Options{Client: stub})
			Expect(err).To(MatchError(handler.ErrNoEndpoints))
		})

		It("should require a client", func() {
			_, err := handler.NewInpaintHandler(logger.Discard(), handler.Options{
				Endpoints: []*endpoint.Endpoint{endpoint.New(endpoint.NameSingle, fallbackModel, endpoint.Params{})},
			})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("preflight and method handling", func() {
		DescribeTable("should answer OPTIONS with CORS headers whatever the body",
			func(body string) {
				resp := newFallbackHandler().Handle(ctx, inv, handler.Event{HTTPMethod: "OPTIONS", Body: body})

				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Body).To(BeEmpty())
				Expect(resp.Headers).To(HaveKeyWithValue("Access-Control-Allow-Origin", "*"))
				Expect(resp.Headers).To(HaveKeyWithValue("Access-Control-Allow-Methods", "POST, OPTIONS"))
				Expect(stub.modelsCalled()).To(BeEmpty())
			},
			Entry("empty body", ``),
			Entry("malformed JSON", `{`),
			Entry("non-string image_url", `{"image_url":1}`),
			Entry("valid payload", `{"image_url":"https://example.com/in.png"}`),
		)

		It("should answer OPTIONS with the full preflight header set", func() {
			resp := newFallbackHandler().Handle(ctx, inv, handler.Event{HTTPMethod: "OPTIONS"})

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Body).To(BeEmpty())
			Expect(resp.Headers).To(HaveKeyWithValue("Access-Control-Allow-Origin", "*"))
			Expect(resp.Headers).To(HaveKeyWithValue("Access-Control-Allow-Methods", "POST, OPTIONS"))
			Expect(resp.Headers).To(HaveKeyWithValue("Access-Control-Allow-Headers", "Content-Type, X-User-Id"))
			Expect(resp.Headers).To(HaveKeyWithValue("Access-Control-Max-Age", "86400"))
			Expect(stub.modelsCalled()).To(BeEmpty())
		})

		It("should answer OPTIONS even without an API key", func() {
			stub.configured = false
			resp := newSingleHandler().Handle(ctx, inv, handler.Event{HTTPMethod: "options"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		DescribeTable("should reject other methods with 405",
			func(method string) {
				resp := newFallbackHandler().Handle(ctx, inv, handler.Event{
					HTTPMethod: method,
					Body:       `{"image_url":"https://example.com/in.png"}`,
				})

				Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
				Expect(decode(resp)).To(HaveKeyWithValue("error", "Method not allowed"))
				Expect(stub.modelsCalled()).To(BeEmpty())
			},
			Entry("GET", http.MethodGet),
			Entry("PUT", http.MethodPut),
			Entry("DELETE", http.MethodDelete),
			Entry("PATCH", http.MethodPatch),
			Entry("HEAD", http.MethodHead),
		)

		It("should treat a missing method as POST", func() {
			stub.replies[fallbackModel] = reply{body: `{"image":{"url":"https://cdn/out.png"}}`}
			resp := newSingleHandler().Handle(ctx, inv, handler.Event{Body: `{"image_url":"` + imageURL + `"}`})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("request validation", func() {
		It("should report a missing API key before touching the payload", func() {
			stub.configured = false
			resp := newFallbackHandler().Handle(ctx, inv, postEvent(`not json`))

			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(decode(resp)).To(HaveKeyWithValue("error", "FAL_KEY not configured"))
			Expect(stub.modelsCalled()).To(BeEmpty())
		})

		DescribeTable("should reject bad payloads with 400",
			func(body, message string) {
				resp := newFallbackHandler().Handle(ctx, inv, postEvent(body))

				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decode(resp)).To(HaveKeyWithValue("error", message))
				Expect(stub.modelsCalled()).To(BeEmpty())
			},
			Entry("empty body", ``, "image_url is required"),
			Entry("empty object", `{}`, "image_url is required"),
			Entry("empty string", `{"image_url":""}`, "image_url is required"),
			Entry("null", `null`, "image_url is required"),
			Entry("malformed JSON", `{"image_url":`, "Invalid JSON body"),
			Entry("non-string image_url", `{"image_url":42}`, "image_url must be a string"),
			Entry("array body", `["x"]`, "Request body must be a JSON object"),
		)

		It("should decode base64 bodies", func() {
			stub.replies[primaryModel] = reply{body: `{"image":{"url":"https://cdn/out.png"}}`}
			ev := handler.Event{
				HTTPMethod:      http.MethodPost,
				Body:            base64.StdEncoding.EncodeToString([]byte(`{"image_url":"` + imageURL + `"}`)),
				IsBase64Encoded: true,
			}

			resp := newFallbackHandler().Handle(ctx, inv, ev)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("primary/fallback chain", func() {
		It("should return the primary result without calling the fallback", func() {
			stub.replies[primaryModel] = reply{body: `{"image":{"url":"https://cdn/primary.png"}}`}

			resp := newFallbackHandler().Handle(ctx, inv, postEvent(`{"image_url":"`+imageURL+`"}`))

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Headers).To(HaveKeyWithValue("Content-Type", "application/json"))
			Expect(resp.Headers).To(HaveKeyWithValue("Access-Control-Allow-Origin", "*"))
			body := decode(resp)
			Expect(body).To(HaveKeyWithValue("success", true))
			Expect(body).To(HaveKeyWithValue("output_url", "https://cdn/primary.png"))
			Expect(body).To(HaveKeyWithValue("method", "primary"))
			Expect(body).To(HaveKeyWithValue("request_id", "req-1"))
			Expect(stub.modelsCalled()).To(Equal([]string{primaryModel}))
		})

		It("should send the primary tuning parameters", func() {
			stub.replies[primaryModel] = reply{body: `{"image":"https://cdn/primary.png"}`}
			newFallbackHandler().Handle(ctx, inv, postEvent(`{"image_url":"`+imageURL+`"}`))

			Expect(stub.calls).To(HaveLen(1))
			Expect(stub.calls[0].args).To(HaveKeyWithValue("image_url", imageURL))
			Expect(stub.calls[0].args).To(HaveKeyWithValue("prompt", "remove all text"))
			Expect(stub.calls[0].args).To(HaveKeyWithValue("seed", 42))
		})

		It("should fall back when the primary fails", func() {
			stub.replies[primaryModel] = reply{err: errors.New("boom")}
			stub.replies[fallbackModel] = reply{body: `{"image":{"url":"https://cdn/fallback.png"}}`}

			resp := newFallbackHandler().Handle(ctx, inv, postEvent(`{"image_url":"`+imageURL+`"}`))

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body := decode(resp)
			Expect(body).To(HaveKeyWithValue("output_url", "https://cdn/fallback.png"))
			Expect(body).To(HaveKeyWithValue("method", "fallback"))
			Expect(stub.modelsCalled()).To(Equal([]string{primaryModel, fallbackModel}))
			Expect(stub.calls[1].args).To(Equal(map[string]any{"image_url": imageURL}))
		})

		It("should fall back when the primary returns no image", func() {
			stub.replies[primaryModel] = reply{body: `{"images":[]}`}
			stub.replies[fallbackModel] = reply{body: `{"image":"https://cdn/fallback.png"}`}

			resp := newFallbackHandler().Handle(ctx, inv, postEvent(`{"image_url":"`+imageURL+`"}`))

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decode(resp)).To(HaveKeyWithValue("method", "fallback"))
		})

		It("should report the fallback error when both models fail", func() {
			stub.replies[primaryModel] = reply{err: errors.New("primary down")}
			stub.replies[fallbackModel] = reply{err: errors.New("fallback down")}

			resp := newFallbackHandler().Handle(ctx, inv, postEvent(`{"image_url":"`+imageURL+`"}`))

			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(decode(resp)).To(HaveKeyWithValue("error", "All processing methods failed: fallback down"))
		})

		It("should include the raw result when the fallback returns no image", func() {
			stub.replies[primaryModel] = reply{err: errors.New("primary down")}
			stub.replies[fallbackModel] = reply{body: `{"detail":"nsfw"}`}

			resp := newFallbackHandler().Handle(ctx, inv, postEvent(`{"image_url":"`+imageURL+`"}`))

			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			body := decode(resp)
			Expect(body).To(HaveKeyWithValue("error", "Processing failed"))
			Expect(body["details"]).To(ContainSubstring("nsfw"))
		})

		It("should skip the primary once its breaker opens", func() {
			stub.replies[primaryModel] = reply{err: errors.New("primary down")}
			stub.replies[fallbackModel] = reply{body: `{"image":"https://cdn/fallback.png"}`}
			h := newFallbackHandler()

			for i := 0; i < 2; i++ {
				h.Handle(ctx, inv, postEvent(`{"image_url":"`+imageURL+`"}`))
			}
			Expect(breakers.GetBreaker(primaryModel).State()).To(Equal(circuitbreaker.StateOpen))

			stub.calls = nil
			resp := h.Handle(ctx, inv, postEvent(`{"image_url":"`+imageURL+`"}`))

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(stub.modelsCalled()).To(Equal([]string{fallbackModel}))
		})

		It("should never trip a breaker on the last model", func() {
			stub.replies[primaryModel] = reply{err: errors.New("primary down")}
			stub.replies[fallbackModel] = reply{err: errors.New("fallback down")}
			h := newFallbackHandler()

			for i := 0; i < 5; i++ {
				h.Handle(ctx, inv, postEvent(`{"image_url":"`+imageURL+`"}`))
			}

			stub.calls = nil
			h.Handle(ctx, inv, postEvent(`{"image_url":"`+imageURL+`"}`))
			Expect(stub.modelsCalled()).To(Equal([]string{fallbackModel}))
		})

		It("should not blame or bypass the primary when the caller cancels", func() {
			stub.replies[primaryModel] = reply{err: context.Canceled}
			stub.replies[fallbackModel] = reply{body: `{"image":"https://cdn/fallback.png"}`}
			h := newFallbackHandler()

			for i := 0; i < 3; i++ {
				callCtx, cancel := context.WithCancel(context.Background())
				stub.onSubscribe = func(string) { cancel() }

				resp := h.Handle(callCtx, inv, postEvent(`{"image_url":"`+imageURL+`"}`))

				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				Expect(decode(resp)).To(HaveKeyWithValue("error", "All processing methods failed: context canceled"))
			}

			Expect(stub.modelsCalled()).To(Equal([]string{primaryModel, primaryModel, primaryModel}))
			Expect(breakers.GetBreaker(primaryModel).State()).To(Equal(circuitbreaker.StateClosed))
			Expect(breakers.GetBreaker(primaryModel).Failures()).To(BeZero())
		})

		It("should stop when the caller cancels during an empty primary result", func() {
			stub.replies[primaryModel] = reply{body: `{"images":[]}`}
			callCtx, cancel := context.WithCancel(context.Background())
			stub.onSubscribe = func(string) { cancel() }

			resp := newFallbackHandler().Handle(callCtx, inv, postEvent(`{"image_url":"`+imageURL+`"}`))

			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(stub.modelsCalled()).To(Equal([]string{primaryModel}))
		})

		It("should give identical responses for identical requests", func() {
			stub.replies[primaryModel] = reply{err: errors.New("primary down")}
			stub.replies[fallbackModel] = reply{body: `{"image":"https://cdn/fallback.png"}`}
			h := newFallbackHandler()

			first := h.Handle(ctx, inv, postEvent(`{"image_url":"`+imageURL+`"}`))
			for i := 0; i < 3; i++ {
				Expect(h.Handle(ctx, inv, postEvent(`{"image_url":"`+imageURL+`"}`))).To(Equal(first))
			}
		})
	})

	Describe("single-model handler", func() {
		It("should omit method on success", func() {
			stub.replies[fallbackModel] = reply{body: `{"images":[{"url":"https://cdn/single.png"}]}`}

			resp := newSingleHandler().Handle(ctx, inv, postEvent(`{"image_url":"`+imageURL+`"}`))

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body := decode(resp)
			Expect(body).To(HaveKeyWithValue("output_url", "https://cdn/single.png"))
			Expect(body).NotTo(HaveKey("method"))
			Expect(stub.calls[0].args).To(HaveKeyWithValue("prompt", "remove all text and watermarks, restore background"))
		})

		It("should report a failed call", func() {
			stub.replies[fallbackModel] = reply{err: errors.New("timeout")}

			resp := newSingleHandler().Handle(ctx, inv, postEvent(`{"image_url":"`+imageURL+`"}`))

			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(decode(resp)).To(HaveKeyWithValue("error", "All processing methods failed: timeout"))
		})

		It("should generate a request id when the runtime gives none", func() {
			resp := newSingleHandler().Handle(ctx, handler.Invocation{}, handler.Event{HTTPMethod: http.MethodGet})

			Expect(resp.Headers["X-Request-Id"]).NotTo(BeEmpty())
			Expect(decode(resp)).To(HaveKeyWithValue("request_id", resp.Headers["X-Request-Id"]))
		})
	})

	Describe("metrics", func() {
		It("should record requests, attempts and fallbacks", func() {
			runCtx, cancel := context.WithCancel(context.Background())
			defer cancel()
			collector.Start(runCtx)

			stub.replies[primaryModel] = reply{err: errors.New("primary down")}
			stub.replies[fallbackModel] = reply{body: `{"image":"https://cdn/fallback.png"}`}

			newFallbackHandler().Handle(ctx, inv, postEvent(`{"image_url":"`+imageURL+`"}`))

			Eventually(func() int64 {
				return collector.Snapshot().Variants["remove-text"].Fallbacks
			}).Should(Equal(int64(1)))
			Eventually(func() int64 {
				return collector.Snapshot().Models[fallbackModel].Outcomes["success"]
			}).Should(Equal(int64(1)))
		})
	})

	Describe("ServeHTTP", func() {
		It("should serve the handler over HTTP", func() {
			stub.replies[primaryModel] = reply{body: `{"image":"https://cdn/primary.png"}`}
			h := newFallbackHandler()

			req := httptest.NewRequest(http.MethodPost, "/remove-text", strings.NewReader(`{"image_url":"`+imageURL+`"}`))
			req.Header.Set("X-Request-Id", "http-1")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("X-Request-Id")).To(Equal("http-1"))
			Expect(rec.Body.String()).To(ContainSubstring(`"output_url":"https://cdn/primary.png"`))
		})

		It("should reject oversized bodies", func() {
			h := newFallbackHandler()

			big := `{"image_url":"` + strings.Repeat("a", 2<<20) + `"}`
			req := httptest.NewRequest(http.MethodPost, "/remove-text", strings.NewReader(big))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(rec.Body.String()).To(ContainSubstring("Request body too large"))
			Expect(stub.modelsCalled()).To(BeEmpty())
		})

		It("should answer preflight requests", func() {
			rec := httptest.NewRecorder()
			newSingleHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/process-image", nil))

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Access-Control-Allow-Methods")).To(Equal("POST, OPTIONS"))
			Expect(rec.Body.Len()).To(BeZero())
		})
	})
})
