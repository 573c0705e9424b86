package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// QueryModel queries a single model via OpenRouter API with the given timeout.
// Returns the model's response or an error if the request fails.
func QueryModel(ctx context.Context, model string, messages []OpenRouterMessage, timeout time.Duration) (*OpenRouterResponse, error) {
	// Create HTTP client with timeout
	client := &http.Client{
		Timeout: timeout,
	}

	// Build request payload
	payload := OpenRouterRequest{
		Model:    model,
		Messages: messages,
	}

	// Marshal payload to JSON
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	// Create HTTP request
	req, err := http.NewRequestWithContext(ctx, "POST", OpenRouterAPIURL, bytes.NewBuffer(payloadBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Set headers
	req.Header.Set("Authorization", "Bearer "+OpenRouterAPIKey)
	req.Header.Set("Content-Type", "application/json")

	// Make the request
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	// Check status code
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	// Read response body
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	// Parse response
	var apiResponse OpenRouterAPIResponse
	if err := json.Unmarshal(bodyBytes, &apiResponse); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	// Extract message from response
	if len(apiResponse.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	message := apiResponse.Choices[0].Message
	return &OpenRouterResponse{
		Content:          message.Content,
		ReasoningDetails: message.ReasoningDetails,
	}, nil
}

// QueryModelsParallel queries multiple models in parallel, one goroutine per
// model. buildMessages produces the message list for each model, so callers
// can vary prompts per model (system roles) or share one prompt.
//
// Results come back as a slice aligned with the models argument, so the
// caller always sees configured order regardless of completion order. Each
// slot is filled exactly once by its own goroutine; the slice is only read
// after the group joins. Failed calls are recorded in their slot's Err field
// and never abort sibling calls.
func QueryModelsParallel(ctx context.Context, models []string, buildMessages func(model string) []OpenRouterMessage) []ModelResult {
	g, ctx := errgroup.WithContext(ctx)

	results := make([]ModelResult, len(models))

	for i, model := range models {
		i, model := i, model
		g.Go(func() error {
			response, err := QueryModel(ctx, model, buildMessages(model), ModelQueryTimeout)

			// Graceful degradation: record the error but don't fail the
			// whole fan-out
			if err != nil {
				log.Printf("Error querying model %s: %v", model, err)
				results[i] = ModelResult{Model: model, Err: err}
				return nil
			}

			results[i] = ModelResult{Model: model, Response: response}
			return nil
		})
	}

	// Join barrier: no result is observed until every call has finished
	g.Wait()

	return results
}
