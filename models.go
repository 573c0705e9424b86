package main

import "time"

// Message represents a single message in a conversation.
// A user message carries only Content; an assistant message carries the
// full three-stage record of the deliberation that produced it.
type Message struct {
	Role    string           `json:"role"`
	Content string           `json:"content,omitempty"`
	Stage1  []Stage1Response `json:"stage1,omitempty"`
	Stage2  []Stage2Ranking  `json:"stage2,omitempty"`
	Stage3  *Stage3Response  `json:"stage3,omitempty"`
}

// Conversation represents a full conversation with all messages
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
}

// ConversationMetadata represents conversation list metadata
type ConversationMetadata struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
}

// Stage1Response represents a single council model's answer in Stage 1.
// Exactly one of Response/Error is set: a model that answered has Response,
// a model whose call failed has Error. The slice order always follows the
// configured council order, not completion order.
type Stage1Response struct {
	Model    string `json:"model"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// OK reports whether the model produced a usable answer.
func (r Stage1Response) OK() bool {
	return r.Error == ""
}

// Stage2Ranking represents one model's peer evaluation of the anonymized
// Stage-1 responses. Ranking is the raw verdict text; ParsedRanking is the
// ordered list of labels extracted from it. ParseError is set when the
// evaluator call failed or no ranking could be recovered from the text.
type Stage2Ranking struct {
	Model         string   `json:"model"`
	Ranking       string   `json:"ranking,omitempty"`
	ParsedRanking []string `json:"parsed_ranking"`
	ParseError    string   `json:"parse_error,omitempty"`
}

// Stage3Response represents the chairman's final synthesis
type Stage3Response struct {
	Model    string `json:"model"`
	Response string `json:"response"`
}

// AggregateRanking represents one model's consensus standing across all
// peer evaluations. AverageRank is the mean 1-indexed position over the
// evaluations that ranked the model; it is zero when RankingsCount is zero,
// and such entries always sort after every model with at least one vote.
type AggregateRanking struct {
	Model         string  `json:"model"`
	AverageRank   float64 `json:"average_rank"`
	RankingsCount int     `json:"rankings_count"`
}

// Metadata carries the ephemeral by-products of one deliberation: the
// label-to-model mapping used during anonymized review and the consensus
// ranking derived from all evaluations. It is returned to the caller but
// never persisted; both are recomputable from the stage payloads.
type Metadata struct {
	LabelToModel      map[string]string  `json:"label_to_model"`
	AggregateRankings []AggregateRanking `json:"aggregate_rankings"`
}

// DeliberationResult is the full output of one council deliberation:
// all three stage payloads plus the ephemeral metadata.
type DeliberationResult struct {
	Stage1   []Stage1Response `json:"stage1"`
	Stage2   []Stage2Ranking  `json:"stage2"`
	Stage3   Stage3Response   `json:"stage3"`
	Metadata Metadata         `json:"metadata"`
}

// OpenRouterMessage represents a message for OpenRouter API
type OpenRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenRouterRequest represents a request to OpenRouter API
type OpenRouterRequest struct {
	Model    string              `json:"model"`
	Messages []OpenRouterMessage `json:"messages"`
}

// OpenRouterResponse represents a response from OpenRouter API
type OpenRouterResponse struct {
	Content          string      `json:"content"`
	ReasoningDetails interface{} `json:"reasoning_details,omitempty"`
}

// OpenRouterAPIResponse represents the full API response structure
type OpenRouterAPIResponse struct {
	Choices []struct {
		Message struct {
			Content          string      `json:"content"`
			ReasoningDetails interface{} `json:"reasoning_details,omitempty"`
		} `json:"message"`
	} `json:"choices"`
}

// ModelResult pairs a model with the outcome of one gateway call.
// Exactly one of Response/Err is set.
type ModelResult struct {
	Model    string
	Response *OpenRouterResponse
	Err      error
}

// CatalogModel describes one model available through OpenRouter
type CatalogModel struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ContextLength int    `json:"context_length"`
}

// ModelsResponse is the payload for GET /api/models
type ModelsResponse struct {
	Council     []string       `json:"council"`
	Chairman    string         `json:"chairman"`
	Catalog     []CatalogModel `json:"catalog"`
	LastUpdated time.Time      `json:"last_updated"`
}

// SendMessageRequest represents a request to send a message
type SendMessageRequest struct {
	Content string `json:"content"`
}
