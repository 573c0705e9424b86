package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Global model catalog cache instance
var catalogCache *CatalogCache

func main() {
	// Load configuration
	LoadConfig()

	// Initialize model catalog cache
	catalogCache = NewCatalogCache(ModelCatalogTTL)

	router := NewRouter()

	// Start server
	log.Printf("Starting Quorum council backend on port %s...", ServerPort)
	if err := router.Run(":" + ServerPort); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// NewRouter builds the gin engine with middleware and all routes.
func NewRouter() *gin.Engine {
	router := gin.Default()

	// Request size limit middleware
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBodySize)
		c.Next()
	})

	// CORS middleware with dynamic origin validation
	router.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			// In production, use environment-configured origins
			if len(CORSAllowedOrigins) > 0 && CORSAllowedOrigins[0] != "" {
				for _, allowedOrigin := range CORSAllowedOrigins {
					if origin == allowedOrigin {
						return true
					}
				}
				return false
			}
			// In development, allow any localhost/127.0.0.1 origin
			return isLoopbackOrigin(origin)
		},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
	}))

	// Routes
	router.GET("/", healthCheck)
	router.GET("/api/conversations", listConversationsHandler)
	router.POST("/api/conversations", createConversationHandler)
	router.GET("/api/conversations/:id", getConversationHandler)
	router.POST("/api/conversations/:id/message", sendMessageHandler)
	router.POST("/api/conversations/:id/message/stream", sendMessageStreamHandler)
	router.GET("/api/models", getModelsHandler)
	router.POST("/api/fetch-url", fetchURLHandler)

	return router
}

// isLoopbackOrigin reports whether origin is a local dev origin: localhost or
// 127.0.0.1 over plain http, with or without a port. A bare prefix match
// would also admit hosts like localhost.example.com.
func isLoopbackOrigin(origin string) bool {
	for _, host := range []string{"http://localhost", "http://127.0.0.1"} {
		if origin == host || strings.HasPrefix(origin, host+":") {
			return true
		}
	}
	return false
}

// healthCheck returns a simple health check response.
// GET / - Returns service status information.
func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "Quorum Council API",
	})
}

// listConversationsHandler lists all conversations with metadata only.
// GET /api/conversations - Returns array of conversation metadata sorted by date.
func listConversationsHandler(c *gin.Context) {
	conversations, err := ListConversations()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to list conversations: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, conversations)
}

// createConversationHandler creates a new conversation.
// POST /api/conversations - Generates a new UUID and creates an empty conversation.
func createConversationHandler(c *gin.Context) {
	// Generate new UUID
	conversationID := uuid.New().String()

	// Create conversation
	conversation, err := CreateConversation(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to create conversation: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// getConversationHandler gets a specific conversation by ID.
// GET /api/conversations/:id - Returns full conversation including all messages.
func getConversationHandler(c *gin.Context) {
	conversationID := c.Param("id")

	conversation, err := GetConversation(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}

	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Conversation not found",
		})
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// sendMessageHandler sends a message and runs the 3-stage council process.
// POST /api/conversations/:id/message - Runs a full deliberation and returns
// all stages plus metadata at once. The completed turn (user message and
// assistant message) is appended to the conversation only after every stage
// succeeded. Use sendMessageStreamHandler for the SSE streaming version.
func sendMessageHandler(c *gin.Context) {
	conversationID := c.Param("id")

	// Parse request
	var request SendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	// Check if conversation exists
	conversation, err := GetConversation(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Conversation not found",
		})
		return
	}

	// Generate title if first message (run in background)
	if len(conversation.Messages) == 0 {
		go generateTitleInBackground(conversationID, request.Content, nil)
	}

	// Run the 3-stage council process; client disconnect cancels in-flight
	// model calls via the request context
	result, err := Deliberate(c.Request.Context(), conversationID, request.Content)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Council process failed: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// generateTitleInBackground generates and stores a conversation title from
// the first user message. If titleChan is non-nil the generated title is
// delivered on it (buffered, closed when done).
func generateTitleInBackground(conversationID, content string, titleChan chan string) {
	// Detached from the request context: the title should land even if the
	// client goes away
	title, err := GenerateConversationTitle(context.Background(), content)
	if err != nil {
		log.Printf("Failed to generate title: %v", err)
		UpdateConversationTitle(conversationID, "New Conversation")
	} else {
		UpdateConversationTitle(conversationID, title)
		if titleChan != nil {
			titleChan <- title
		}
	}
	if titleChan != nil {
		close(titleChan)
	}
}

// sendMessageStreamHandler sends a message and streams the 3-stage council process via SSE.
// POST /api/conversations/:id/message/stream - Streams progress events as each stage completes.
// Events: stage1_start, stage1_complete, stage2_start, stage2_complete, stage3_start,
// stage3_complete, title_complete, complete, error.
func sendMessageStreamHandler(c *gin.Context) {
	conversationID := c.Param("id")

	// Parse request
	var request SendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	// Check if conversation exists
	conversation, err := GetConversation(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Conversation not found",
		})
		return
	}

	// Set SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	// Start title generation in background if first message
	var titleChan chan string
	if len(conversation.Messages) == 0 {
		titleChan = make(chan string, 1)
		go generateTitleInBackground(conversationID, request.Content, titleChan)
	}

	// History excludes the current query; it is passed to every stage
	// separately
	history := BuildConversationHistory(conversation)
	ctx := c.Request.Context()

	// Stage 1
	sendSSEEvent(c, gin.H{"type": "stage1_start"})
	stage1 := Stage1CollectResponses(ctx, request.Content, history)
	successes := 0
	for _, result := range stage1 {
		if result.OK() {
			successes++
		}
	}
	if successes == 0 {
		sendSSEError(c, fmt.Sprintf("Stage 1 failed: %v", ErrAllModelsFailed))
		return
	}
	sendSSEEvent(c, gin.H{"type": "stage1_complete", "data": stage1})

	// Stage 2
	sendSSEEvent(c, gin.H{"type": "stage2_start"})
	stage2, labelToModel := Stage2CollectRankings(ctx, request.Content, stage1, history)
	councilOrder := make([]string, len(stage1))
	for i, result := range stage1 {
		councilOrder[i] = result.Model
	}
	aggregateRankings := CalculateAggregateRankings(stage2, labelToModel, councilOrder)
	sendSSEEvent(c, gin.H{
		"type": "stage2_complete",
		"data": stage2,
		"metadata": gin.H{
			"label_to_model":     labelToModel,
			"aggregate_rankings": aggregateRankings,
		},
	})

	// Stage 3
	sendSSEEvent(c, gin.H{"type": "stage3_start"})
	stage3, err := Stage3SynthesizeFinal(ctx, request.Content, stage1, stage2, aggregateRankings, history)
	if err != nil {
		sendSSEError(c, fmt.Sprintf("Stage 3 failed: %v", err))
		return
	}
	sendSSEEvent(c, gin.H{"type": "stage3_complete", "data": stage3})

	// Wait for title if it was being generated
	if titleChan != nil {
		if title := <-titleChan; title != "" {
			sendSSEEvent(c, gin.H{"type": "title_complete", "data": gin.H{"title": title}})
		}
	}

	// Persist the completed turn in one append
	if err := AppendTurn(conversationID, request.Content, stage1, stage2, *stage3); err != nil {
		sendSSEError(c, fmt.Sprintf("Failed to save message: %v", err))
		return
	}

	// Send completion event
	sendSSEEvent(c, gin.H{"type": "complete"})
}

// sendSSEEvent sends a Server-Sent Event.
// Marshals data to JSON and writes as SSE format with "data: " prefix.
func sendSSEEvent(c *gin.Context, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("Failed to marshal SSE event: %v", err)
		return
	}
	c.Writer.WriteString(fmt.Sprintf("data: %s\n\n", string(jsonData)))
	c.Writer.Flush()
}

// sendSSEError sends an error event via SSE.
// Convenience wrapper for sending error-type SSE events.
func sendSSEError(c *gin.Context, message string) {
	sendSSEEvent(c, gin.H{"type": "error", "message": message})
}

// getModelsHandler returns the council configuration and the OpenRouter
// model catalog.
// GET /api/models - Catalog is fetched lazily and cached with a TTL.
// Query params: ?refresh=true (force cache refresh)
func getModelsHandler(c *gin.Context) {
	forceRefresh := c.Query("refresh") == "true"

	if !forceRefresh {
		if cached, ok := catalogCache.Get(); ok {
			c.JSON(http.StatusOK, ModelsResponse{
				Council:     CouncilModels,
				Chairman:    ChairmanModel,
				Catalog:     cached,
				LastUpdated: catalogCache.GetLastUpdated(),
			})
			return
		}
	}

	models, err := FetchModelCatalog(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to fetch model catalog: %v", err),
		})
		return
	}

	catalogCache.Set(models)
	log.Printf("Cached %d catalog models", len(models))

	c.JSON(http.StatusOK, ModelsResponse{
		Council:     CouncilModels,
		Chairman:    ChairmanModel,
		Catalog:     models,
		LastUpdated: time.Now(),
	})
}

// fetchURLHandler fetches and extracts readable content from a given URL.
// POST /api/fetch-url - Body: {"url": "https://..."}
func fetchURLHandler(c *gin.Context) {
	// Parse request
	var request struct {
		URL string `json:"url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	// Fetch content
	content, err := FetchURLContent(c.Request.Context(), request.URL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to fetch URL content: %v", err),
		})
		return
	}

	// Return content
	c.JSON(http.StatusOK, gin.H{
		"content": content,
	})
}
