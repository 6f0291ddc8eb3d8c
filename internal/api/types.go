package api

import (
	"github.com/samcharles93/gpt2fwd/internal/logits"
	"github.com/samcharles93/gpt2fwd/internal/model"
)

type ForwardRequest struct {
	Tokens        []int `json:"tokens"`
	PastLength    int   `json:"past_length,omitempty"`
	TopK          *int  `json:"top_k,omitempty"`
	IncludeLogits bool  `json:"include_logits,omitempty"`
	Store         *bool `json:"store,omitempty"`
}

type ForwardResponse struct {
	ID         string             `json:"id"`
	Object     string             `json:"object"`
	CreatedAt  int64              `json:"created_at"`
	NextToken  int                `json:"next_token"`
	Top        []logits.Candidate `json:"top"`
	Logits     []float32          `json:"logits,omitempty"`
	VocabSize  int                `json:"vocab_size"`
	Tokens     int                `json:"tokens"`
	PastLength int                `json:"past_length"`
	DurationMS float64            `json:"duration_ms"`
}

type ModelResponse struct {
	Object         string       `json:"object"`
	Config         model.Config `json:"config"`
	HeadDim        int          `json:"head_dim"`
	ParameterCount int64        `json:"parameter_count"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
}

type deleteResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}
