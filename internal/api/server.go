package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/gpt2fwd/internal/logger"
	"github.com/samcharles93/gpt2fwd/internal/logits"
	"github.com/samcharles93/gpt2fwd/internal/model"
)

// DefaultTopK is the number of ranked candidates returned when a request
// does not set top_k.
const DefaultTopK = 5

// Forwarder runs forward passes. *model.Model satisfies it.
type Forwarder interface {
	Config() model.Config
	ForwardAt(tokens []int, pastLength int) ([]float32, error)
}

type Server struct {
	fwd   Forwarder
	store *ResultStore
	log   logger.Logger
	clock func() time.Time
}

func NewServer(fwd Forwarder, store *ResultStore, log logger.Logger) *Server {
	if store == nil {
		store = NewResultStore(DefaultStoreCapacity)
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		fwd:   fwd,
		store: store,
		log:   log,
		clock: time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/model", s.handleModel)
	e.POST("/v1/forward", s.handleForward)
	e.GET("/v1/forward/:id", s.handleGetForward)
	e.DELETE("/v1/forward/:id", s.handleDeleteForward)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModel(c *echo.Context) error {
	cfg := s.fwd.Config()
	return c.JSON(http.StatusOK, ModelResponse{
		Object:         "model",
		Config:         cfg,
		HeadDim:        cfg.HeadDim(),
		ParameterCount: cfg.ParameterCount(),
	})
}

func (s *Server) handleForward(c *echo.Context) error {
	req, err := decodeJSON[ForwardRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	topK, err := validateForward(&req, s.fwd.Config())
	if err != nil {
		return writeFailure(c, err)
	}

	start := s.clock()
	out, err := s.fwd.ForwardAt(req.Tokens, req.PastLength)
	if err != nil {
		status, _ := classify(err)
		if status >= http.StatusInternalServerError {
			s.log.Error("forward pass failed", "error", err, "tokens", len(req.Tokens))
		}
		return writeFailure(c, err)
	}
	elapsed := s.clock().Sub(start)

	resp := ForwardResponse{
		ID:         newForwardID(),
		Object:     "forward",
		CreatedAt:  start.Unix(),
		NextToken:  logits.Argmax(out),
		Top:        logits.TopK(out, topK),
		VocabSize:  len(out),
		Tokens:     len(req.Tokens),
		PastLength: req.PastLength,
		DurationMS: float64(elapsed.Microseconds()) / 1000,
	}
	if req.IncludeLogits {
		resp.Logits = out
	}
	if req.Store == nil || *req.Store {
		s.store.Put(resp)
	}
	s.log.Debug("forward", "id", resp.ID, "tokens", resp.Tokens, "next_token", resp.NextToken, "duration", elapsed)
	return c.JSON(http.StatusOK, resp)
}

// validateForward checks the request against cfg and returns the effective
// top_k. Token ids and positions are checked again by the model.
func validateForward(req *ForwardRequest, cfg model.Config) (int, error) {
	if len(req.Tokens) == 0 {
		return 0, newInvalidRequest("tokens", "tokens is required and must not be empty")
	}
	if req.PastLength < 0 {
		return 0, newInvalidRequest("past_length", "past_length must not be negative, got %d", req.PastLength)
	}
	if n := len(req.Tokens) + req.PastLength; n > cfg.MaxPositionEmbeddings {
		return 0, newInvalidRequest("tokens", "past_length plus %d tokens exceeds the %d-position context", len(req.Tokens), cfg.MaxPositionEmbeddings)
	}
	for i, tok := range req.Tokens {
		if tok < 0 || tok >= cfg.VocabSize {
			return 0, newInvalidRequest("tokens", "token %d at index %d outside vocabulary [0, %d)", tok, i, cfg.VocabSize)
		}
	}
	topK := DefaultTopK
	if req.TopK != nil {
		topK = *req.TopK
	}
	if topK < 0 {
		return 0, newInvalidRequest("top_k", "top_k must not be negative, got %d", topK)
	}
	return min(topK, cfg.VocabSize), nil
}

func (s *Server) handleGetForward(c *echo.Context) error {
	id := c.Param("id")
	resp, ok := s.store.Get(id)
	if !ok {
		return writeNotFound(c, "forward result not found: "+id)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteForward(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "forward result not found: "+id)
	}
	return c.JSON(http.StatusOK, deleteResponse{ID: id, Object: "forward.deleted", Deleted: true})
}
