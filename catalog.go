package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"
)

// CatalogFetchTimeout bounds one catalog request to OpenRouter
const CatalogFetchTimeout = 30 * time.Second

// openRouterModelsResponse is the wire shape of the OpenRouter models listing
type openRouterModelsResponse struct {
	Data []struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		ContextLength int    `json:"context_length"`
	} `json:"data"`
}

// FetchModelCatalog fetches the list of models available through OpenRouter.
// Returns the catalog sorted by model ID, or an error if the request or
// parsing fails.
func FetchModelCatalog(ctx context.Context) ([]CatalogModel, error) {
	client := &http.Client{
		Timeout: CatalogFetchTimeout,
	}

	req, err := http.NewRequestWithContext(ctx, "GET", OpenRouterModelsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+OpenRouterAPIKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch model catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var listing openRouterModelsResponse
	if err := json.Unmarshal(bodyBytes, &listing); err != nil {
		return nil, fmt.Errorf("failed to parse model catalog: %w", err)
	}

	models := make([]CatalogModel, 0, len(listing.Data))
	for _, entry := range listing.Data {
		if entry.ID == "" {
			continue
		}
		models = append(models, CatalogModel{
			ID:            entry.ID,
			Name:          entry.Name,
			ContextLength: entry.ContextLength,
		})
	}

	sort.Slice(models, func(i, j int) bool {
		return models[i].ID < models[j].ID
	})

	return models, nil
}
