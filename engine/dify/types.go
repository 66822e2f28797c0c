package dify

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// RetrieveRequest is the body of POST /datasets/{id}/retrieve.
type RetrieveRequest struct {
	Query          string  `json:"query"`
	TopK           int     `json:"top_k"`
	ScoreThreshold float64 `json:"score_threshold"`
}

type RetrieveResponse struct {
	Query   json.RawMessage `json:"query,omitempty"`
	Records []Record        `json:"records"`
}

// Record is one matched passage. Score is upstream relevance, higher is better.
type Record struct {
	Segment      Segment         `json:"segment"`
	Score        float64         `json:"score"`
	TsnePosition json.RawMessage `json:"tsne_position,omitempty"`
}

type Segment struct {
	ID            string           `json:"id"`
	Position      int              `json:"position"`
	DocumentID    string           `json:"document_id"`
	Content       string           `json:"content"`
	Answer        *string          `json:"answer,omitempty"`
	WordCount     int              `json:"word_count"`
	Tokens        int              `json:"tokens"`
	Keywords      []string         `json:"keywords,omitempty"`
	IndexNodeID   string           `json:"index_node_id"`
	IndexNodeHash string           `json:"index_node_hash"`
	HitCount      int              `json:"hit_count"`
	Enabled       bool             `json:"enabled"`
	Status        string           `json:"status"`
	CreatedAt     int64            `json:"created_at"`
	Document      *SegmentDocument `json:"document,omitempty"`
}

type SegmentDocument struct {
	ID             string `json:"id"`
	DataSourceType string `json:"data_source_type"`
	Name           string `json:"name"`
}

// Dataset describes one knowledge base as returned by the listing endpoint.
type Dataset struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	DocumentCount int    `json:"document_count"`
	WordCount     int    `json:"word_count"`
}

// DefaultDescription is used when the upstream has no description for a dataset.
func DefaultDescription(name string) string {
	return fmt.Sprintf("Detailed description of %s", name)
}

// UpstreamError carries a failed upstream call. Status is the upstream HTTP
// status when a response arrived, otherwise 500.
type UpstreamError struct {
	Status  int
	Message string
	Details any
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream request failed with status %d: %s", e.Status, e.Message)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func transportError(err error) *UpstreamError {
	return &UpstreamError{
		Status:  http.StatusInternalServerError,
		Message: err.Error(),
		Details: err.Error(),
		Err:     err,
	}
}
