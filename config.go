package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Configuration constants
var (
	// OpenRouterAPIKey is the API key for OpenRouter
	OpenRouterAPIKey string

	// CouncilModels is the ordered list of models queried in parallel.
	// The order here is canonical: stage outputs, labels and tie-breaks
	// all follow it.
	CouncilModels = []string{
		"openai/gpt-5.1",
		"google/gemini-3-pro-preview",
		"anthropic/claude-sonnet-4.5",
		"x-ai/grok-4",
	}

	// ChairmanModel is the model used for final synthesis
	ChairmanModel = "google/gemini-3-pro-preview"

	// TitleModel is the fast model used for conversation titles
	TitleModel = "google/gemini-2.5-flash"

	// SystemRoles maps a council model to an optional system prompt
	// prepended to its Stage-1 messages only.
	SystemRoles = map[string]string{}

	// OpenRouterAPIURL is the endpoint for OpenRouter chat completions
	OpenRouterAPIURL = "https://openrouter.ai/api/v1/chat/completions"

	// OpenRouterModelsURL is the endpoint for the OpenRouter model catalog
	OpenRouterModelsURL = "https://openrouter.ai/api/v1/models"

	// DataDir is the directory for conversation storage
	DataDir = "data/conversations"

	// ServerPort is the port the API listens on
	ServerPort = "8001"

	// Timeout constants
	ModelQueryTimeout = 120 * time.Second
	TitleGenTimeout   = 30 * time.Second

	// CORS allowed origins (configurable via environment)
	// In development (empty/default), allows any localhost port
	// In production, set CORS_ALLOWED_ORIGINS environment variable
	CORSAllowedOrigins = []string{}

	// MaxRequestBodySize is the maximum allowed request body size (1MB)
	MaxRequestBodySize int64 = 1 << 20

	// ModelCatalogTTL is the time-to-live for the model catalog cache
	ModelCatalogTTL = 5 * time.Minute
)

// CouncilFile is the on-disk YAML shape for council configuration.
// All fields are optional; unset fields keep their defaults.
type CouncilFile struct {
	Council     []string          `yaml:"council"`
	Chairman    string            `yaml:"chairman"`
	TitleModel  string            `yaml:"title_model"`
	SystemRoles map[string]string `yaml:"system_roles"`
}

// LoadCouncilFile reads a YAML council configuration and applies it to the
// package-level config. Returns an error if the file cannot be read or parsed.
func LoadCouncilFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read council config: %w", err)
	}

	var cf CouncilFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to parse council config: %w", err)
	}

	if len(cf.Council) > 0 {
		CouncilModels = cf.Council
	}
	if cf.Chairman != "" {
		ChairmanModel = cf.Chairman
	}
	if cf.TitleModel != "" {
		TitleModel = cf.TitleModel
	}
	if len(cf.SystemRoles) > 0 {
		SystemRoles = cf.SystemRoles
	}

	return nil
}

// LoadConfig loads configuration from environment variables
func LoadConfig() {
	// Load .env file - try multiple locations
	envLocations := []string{
		".env",    // Current directory
		"../.env", // Parent directory
	}

	// Try to find and load .env file
	envLoaded := false
	for _, envPath := range envLocations {
		absPath, err := filepath.Abs(envPath)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			if err := godotenv.Load(absPath); err == nil {
				log.Printf("Loaded .env from: %s", absPath)
				envLoaded = true
				break
			}
		}
	}

	if !envLoaded {
		log.Printf("Warning: .env file not found in any expected location")
	}

	// Get OpenRouter API key
	OpenRouterAPIKey = os.Getenv("OPENROUTER_API_KEY")
	if OpenRouterAPIKey == "" {
		log.Fatal("OPENROUTER_API_KEY environment variable is required")
	}

	// Council membership from YAML file: COUNCIL_CONFIG wins, then ./council.yaml
	councilPath := os.Getenv("COUNCIL_CONFIG")
	if councilPath == "" {
		if _, err := os.Stat("council.yaml"); err == nil {
			councilPath = "council.yaml"
		}
	}
	if councilPath != "" {
		if err := LoadCouncilFile(councilPath); err != nil {
			log.Fatalf("Failed to load council config %s: %v", councilPath, err)
		}
		log.Printf("Loaded council config from: %s (%d members, chairman %s)",
			councilPath, len(CouncilModels), ChairmanModel)
	}

	if port := os.Getenv("PORT"); port != "" {
		ServerPort = port
	}

	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		DataDir = dataDir
	}

	// Load CORS origins from environment if provided
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		CORSAllowedOrigins = []string{}
		for _, origin := range filepath.SplitList(corsOrigins) {
			if origin != "" {
				CORSAllowedOrigins = append(CORSAllowedOrigins, origin)
			}
		}
	}

	log.Println("Configuration loaded successfully")
}
