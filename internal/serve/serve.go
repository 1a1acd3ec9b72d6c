// Package serve exposes a fine-tuned language model and the pace/tone
// scorer over an OpenAI-compatible HTTP API.
package serve

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tunekit/internal/audioset"
	"tunekit/internal/dsp"
	"tunekit/internal/scoring"
	"tunekit/internal/speech"
	"tunekit/pkg/model"
)

// MaxAudioBytes caps /v1/score uploads.
const MaxAudioBytes = 16 << 20

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	TopP        float64       `json:"top_p"`
	TopK        int           `json:"top_k"`
	Stop        []string      `json:"stop"`
	Stream      bool          `json:"stream"`
}

type ChatChoice struct {
	Message      ChatMessage `json:"message"`
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// ScoreResponse is the pace/tone prediction for one clip. Level fields
// describe the clip as posted, before resampling.
type ScoreResponse struct {
	Pace       float64   `json:"pace"`
	Tone       float64   `json:"tone"`
	Samples    int       `json:"samples"`
	SampleRate int       `json:"sample_rate"`
	RMS        float64   `json:"rms"`
	Peak       float64   `json:"peak"`
	Envelope   []float64 `json:"envelope"`
}

// EnvelopeBins is the length of the loudness envelope in a ScoreResponse.
const EnvelopeBins = 16

var defaultStops = []string{"\nUser:", "\nAssistant:"}

// Server holds the loaded models. Either may be nil; its endpoints then
// answer 503.
type Server struct {
	Name   string
	GPT    *model.GPT
	Tok    *model.Tokenizer
	Scorer *scoring.Model

	log     *zap.Logger
	created int64

	// generation and scoring mutate model state
	mu  sync.Mutex
	rng *rand.Rand
}

func New(name string, gpt *model.GPT, tok *model.Tokenizer, scorer *scoring.Model, seed int64, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		Name:    name,
		GPT:     gpt,
		Tok:     tok,
		Scorer:  scorer,
		log:     log,
		created: time.Now().Unix(),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Router wires the endpoints.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1", func(r chi.Router) {
		r.Get("/models", s.handleModels)
		r.Post("/chat/completions", s.handleChat)
		r.Post("/score", s.handleScore)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "%s API is running.\n\nEndpoints:\n- POST /v1/chat/completions\n- GET /v1/models\n- POST /v1/score (audio/wav body)\n", s.Name)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	list := ModelList{Object: "list"}
	if s.GPT != nil {
		list.Data = append(list.Data, ModelInfo{ID: s.Name, Object: "model", Created: s.created, OwnedBy: "tunekit"})
	}
	if s.Scorer != nil {
		list.Data = append(list.Data, ModelInfo{ID: s.Name + "-pace-tone", Object: "model", Created: s.created, OwnedBy: "tunekit"})
	}
	writeJSON(w, http.StatusOK, list)
}

// Prompt renders chat messages the way the model was prompted in training.
func Prompt(msgs []ChatMessage) string {
	var b strings.Builder
	for _, msg := range msgs {
		role := "User"
		if msg.Role == "assistant" {
			role = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, msg.Content)
	}
	b.WriteString("Assistant: ")
	return b.String()
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.GPT == nil || s.Tok == nil {
		writeError(w, http.StatusServiceUnavailable, "no language model loaded")
		return
	}
	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}
	if req.Stream {
		writeError(w, http.StatusBadRequest, "streaming is not supported")
		return
	}

	opts := model.GenerateOptions{
		Temperature:   req.Temperature,
		TopK:          req.TopK,
		TopP:          req.TopP,
		MaxTokens:     req.MaxTokens,
		StopSequences: append(append([]string(nil), defaultStops...), req.Stop...),
	}
	s.mu.Lock()
	text, promptTokens, completionTokens := model.Generate(s.GPT, s.Tok, Prompt(req.Messages), opts, s.rng)
	s.mu.Unlock()
	for _, stop := range defaultStops {
		if idx := strings.Index(text, strings.TrimSpace(stop)); idx >= 0 {
			text = strings.TrimSpace(text[:idx])
		}
	}

	now := time.Now().Unix()
	resp := ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: now,
		Model:   s.Name,
		Choices: []ChatChoice{{
			Message:      ChatMessage{Role: "assistant", Content: text},
			FinishReason: "stop",
		}},
		Usage: Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}
	if completionTokens >= opts.MaxTokens && opts.MaxTokens > 0 {
		resp.Choices[0].FinishReason = "length"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	if s.Scorer == nil {
		writeError(w, http.StatusServiceUnavailable, "no scoring model loaded")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxAudioBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "audio body too large")
		return
	}
	raw, rate, err := speech.DecodeWAV(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "body is not a readable WAV file")
		return
	}
	wave := audioset.Prepare(raw, rate)

	s.mu.Lock()
	pred, err := s.Scorer.Predict(r.Context(), wave)
	s.mu.Unlock()
	if err != nil {
		s.log.Error("scoring failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "scoring failed")
		return
	}
	resp := ScoreResponse{
		Pace:       pred[0],
		Tone:       pred[1],
		Samples:    len(raw),
		SampleRate: rate,
		RMS:        dsp.RMS(raw),
		Peak:       dsp.Peak(raw),
		Envelope:   dsp.ChunkRMS(raw, EnvelopeBins),
	}
	s.log.Debug("clip scored", zap.Int("samples", resp.Samples), zap.Int("rate", rate),
		zap.Float64("rms", resp.RMS), zap.Float64("peak", resp.Peak), zap.Float64("pace", resp.Pace), zap.Float64("tone", resp.Tone))
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
