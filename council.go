package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
)

// ErrAllModelsFailed is returned when no council model produced a usable
// Stage-1 response, which makes the rest of the deliberation impossible.
var ErrAllModelsFailed = errors.New("all council models failed to respond")

// Stage1CollectResponses collects individual responses from all council models.
// This is the first stage of the council process where each model independently
// answers the user's question, given the prior conversation history. Returns
// one Stage1Response per configured model in council order; models whose calls
// failed carry an error instead of a response.
func Stage1CollectResponses(ctx context.Context, userQuery string, history []OpenRouterMessage) []Stage1Response {
	results := QueryModelsParallel(ctx, CouncilModels, func(model string) []OpenRouterMessage {
		var messages []OpenRouterMessage

		// Optional per-model system role, Stage 1 only
		if role, ok := SystemRoles[model]; ok {
			messages = append(messages, OpenRouterMessage{Role: "system", Content: role})
		}

		messages = append(messages, history...)
		messages = append(messages, OpenRouterMessage{Role: "user", Content: userQuery})
		return messages
	})

	stage1Results := make([]Stage1Response, 0, len(results))
	for _, result := range results {
		if result.Err != nil {
			stage1Results = append(stage1Results, Stage1Response{
				Model: result.Model,
				Error: result.Err.Error(),
			})
			continue
		}
		stage1Results = append(stage1Results, Stage1Response{
			Model:    result.Model,
			Response: result.Response.Content,
		})
	}

	return stage1Results
}

// BuildLabelMap assigns anonymized labels ("A", "B", ...) to the models that
// produced a successful Stage-1 response, in council order. Failed models get
// no label, and the sequence stays contiguous: with five models and two
// failures the survivors are labeled A, B, C. After "Z" the sequence
// continues "AA", "AB", ... so any council size stays parseable. Returns the
// labels in assignment order plus the label-to-model mapping.
func BuildLabelMap(stage1Results []Stage1Response) ([]string, map[string]string) {
	labels := []string{}
	labelToModel := make(map[string]string)

	for _, result := range stage1Results {
		if !result.OK() {
			continue
		}
		label := rankLabel(len(labels))
		labels = append(labels, label)
		labelToModel[label] = result.Model
	}

	return labels, labelToModel
}

// rankLabel converts a zero-based index to a spreadsheet-column label:
// 0 -> "A", 25 -> "Z", 26 -> "AA".
func rankLabel(n int) string {
	label := ""
	for n >= 0 {
		label = string(rune('A'+n%26)) + label
		n = n/26 - 1
	}
	return label
}

// historyContextText renders prior conversation turns into a prompt block.
// Returns the empty string when there is no history.
func historyContextText(history []OpenRouterMessage) string {
	if len(history) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n\nPrevious conversation:\n")
	for _, msg := range history {
		role := msg.Role
		if len(role) > 0 {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		b.WriteString(fmt.Sprintf("%s: %s\n", role, msg.Content))
	}
	return b.String()
}

// Stage2CollectRankings collects rankings from each labeled model on the
// anonymized responses. This is the second stage where models evaluate each
// other's responses without knowing which model produced which response; a
// model may rank its own answer without knowing it. Only models that
// succeeded in Stage 1 participate, both as material and as evaluators.
// Returns the evaluations (one per labeled model, in label order) and the
// label-to-model mapping for de-anonymization.
func Stage2CollectRankings(ctx context.Context, userQuery string, stage1Results []Stage1Response, history []OpenRouterMessage) ([]Stage2Ranking, map[string]string) {
	labels, labelToModel := BuildLabelMap(stage1Results)

	// Anonymized material shown to evaluators
	var responsesText strings.Builder
	for _, label := range labels {
		model := labelToModel[label]
		for _, result := range stage1Results {
			if result.Model == model {
				responsesText.WriteString(fmt.Sprintf("Response %s:\n%s\n\n", label, result.Response))
				break
			}
		}
	}

	// Build ranking prompt
	rankingPrompt := fmt.Sprintf(`You are evaluating different responses to the following question:
%s
Current Question: %s

Here are the responses from different models (anonymized):

%s

Your task:
1. First, evaluate each response individually. For each response, explain what it does well and what it does poorly.
2. Then, at the very end of your response, provide a final ranking.

IMPORTANT: Your final ranking MUST be formatted EXACTLY as follows:
- Start with the line "FINAL RANKING:" (all caps, with colon)
- Then list the responses from best to worst as a numbered list
- Each line should be: number, period, space, then ONLY the response label (e.g., "1. Response A")
- Do not add any other text or explanations in the ranking section

Example of the correct format for your ENTIRE response:

Response A provides good detail on X but misses Y...
Response B is accurate but lacks depth on Z...
Response C offers the most comprehensive answer...

FINAL RANKING:
1. Response C
2. Response A
3. Response B

Now provide your evaluation and ranking:`, historyContextText(history), userQuery, responsesText.String())

	messages := []OpenRouterMessage{
		{Role: "user", Content: rankingPrompt},
	}

	// Evaluators are the labeled models, queried in label order
	evaluators := make([]string, len(labels))
	for i, label := range labels {
		evaluators[i] = labelToModel[label]
	}

	results := QueryModelsParallel(ctx, evaluators, func(string) []OpenRouterMessage {
		return messages
	})

	stage2Results := make([]Stage2Ranking, 0, len(results))
	for _, result := range results {
		if result.Err != nil {
			// The model keeps its label: other evaluators already saw its
			// response, it just contributes no votes of its own.
			stage2Results = append(stage2Results, Stage2Ranking{
				Model:         result.Model,
				ParsedRanking: []string{},
				ParseError:    fmt.Sprintf("evaluation failed: %v", result.Err),
			})
			continue
		}

		fullText := result.Response.Content
		parsed := ParseRankingFromText(fullText, labels)
		ranking := Stage2Ranking{
			Model:         result.Model,
			Ranking:       fullText,
			ParsedRanking: parsed,
		}
		if len(parsed) == 0 {
			ranking.ParseError = "no ranking found"
		}
		stage2Results = append(stage2Results, ranking)
	}

	return stage2Results, labelToModel
}

var (
	finalRankingMarker = regexp.MustCompile(`(?i)final ranking\s*:`)
	responseLabelRef   = regexp.MustCompile(`(?i)\bresponse\s+([A-Za-z]+)\b`)
)

// ParseRankingFromText extracts an ordered ranking of labels from a model's
// free-text verdict. Two passes:
//
//  1. Strict: locate the "FINAL RANKING:" marker (case-insensitive) and scan
//     the lines after it for "Response <label>" references, optionally behind
//     a list index.
//  2. Fallback, only when the strict pass yields nothing: scan the whole text
//     for "Response <label>" references in textual order.
//
// In both passes labels are deduplicated at their first position and tokens
// outside the known label set are discarded. The result may be a strict
// subset of the known labels; an empty result is legitimate and left to the
// caller to record. Pure function: same text, same labels, same output.
func ParseRankingFromText(rankingText string, labels []string) []string {
	known := make(map[string]bool, len(labels))
	for _, label := range labels {
		known[label] = true
	}

	if loc := finalRankingMarker.FindStringIndex(rankingText); loc != nil {
		section := rankingText[loc[1]:]
		if ranked := collectLabelRefs(strings.Split(section, "\n"), known); len(ranked) > 0 {
			return ranked
		}
	}

	return collectLabelRefs([]string{rankingText}, known)
}

// collectLabelRefs scans lines in order for "Response <label>" references,
// keeping known labels at their first occurrence.
func collectLabelRefs(lines []string, known map[string]bool) []string {
	ranked := []string{}
	seen := make(map[string]bool)

	for _, line := range lines {
		for _, match := range responseLabelRef.FindAllStringSubmatch(line, -1) {
			label := strings.ToUpper(match[1])
			if !known[label] || seen[label] {
				continue
			}
			seen[label] = true
			ranked = append(ranked, label)
		}
	}

	return ranked
}

// CalculateAggregateRankings computes the consensus ordering across all
// evaluations. For every labeled model: the average 1-indexed position over
// the parsed rankings that mention it, and how many rankings did. Models no
// evaluator ranked still appear, with zero votes, and always sort after
// every model with at least one vote. Sort order: average position ascending,
// ties by vote count descending, then by council order, so the result is
// fully deterministic.
func CalculateAggregateRankings(stage2Results []Stage2Ranking, labelToModel map[string]string, councilOrder []string) []AggregateRanking {
	// Track 1-indexed positions for each model
	modelPositions := make(map[string][]int)
	for _, ranking := range stage2Results {
		for position, label := range ranking.ParsedRanking {
			if model, ok := labelToModel[label]; ok {
				modelPositions[model] = append(modelPositions[model], position+1)
			}
		}
	}

	labeled := make(map[string]bool, len(labelToModel))
	for _, model := range labelToModel {
		labeled[model] = true
	}

	// Walk council order so ties fall back to it under the stable sort
	aggregate := make([]AggregateRanking, 0, len(labelToModel))
	for _, model := range councilOrder {
		if !labeled[model] {
			continue
		}

		entry := AggregateRanking{Model: model}
		if positions := modelPositions[model]; len(positions) > 0 {
			sum := 0
			for _, pos := range positions {
				sum += pos
			}
			avg := float64(sum) / float64(len(positions))
			entry.AverageRank = math.Round(avg*100) / 100
			entry.RankingsCount = len(positions)
		}
		aggregate = append(aggregate, entry)
	}

	sort.SliceStable(aggregate, func(i, j int) bool {
		a, b := aggregate[i], aggregate[j]
		// Zero-vote entries rank strictly after every voted entry
		if (a.RankingsCount == 0) != (b.RankingsCount == 0) {
			return b.RankingsCount == 0
		}
		if a.AverageRank != b.AverageRank {
			return a.AverageRank < b.AverageRank
		}
		return a.RankingsCount > b.RankingsCount
	})

	return aggregate
}

// Stage3SynthesizeFinal synthesizes the final response using the chairman
// model. The chairman sees everything de-anonymized: which model wrote which
// response (failed models included, for transparency), every peer evaluation,
// and the consensus ranking. Anonymization is a peer-review device only.
// Returns the synthesized response; if this single call fails the whole
// deliberation turn fails; there is no fallback chairman.
func Stage3SynthesizeFinal(ctx context.Context, userQuery string, stage1Results []Stage1Response, stage2Results []Stage2Ranking, aggregateRankings []AggregateRanking, history []OpenRouterMessage) (*Stage3Response, error) {
	// De-anonymized stage 1 material, errored models included
	var stage1Text strings.Builder
	for _, result := range stage1Results {
		if result.OK() {
			stage1Text.WriteString(fmt.Sprintf("Model: %s\nResponse: %s\n\n", result.Model, result.Response))
		} else {
			stage1Text.WriteString(fmt.Sprintf("Model: %s\nResponse: (no response: %s)\n\n", result.Model, result.Error))
		}
	}

	var stage2Text strings.Builder
	for _, result := range stage2Results {
		if result.Ranking != "" {
			stage2Text.WriteString(fmt.Sprintf("Model: %s\nRanking: %s\n\n", result.Model, result.Ranking))
		} else {
			stage2Text.WriteString(fmt.Sprintf("Model: %s\nRanking: (no evaluation: %s)\n\n", result.Model, result.ParseError))
		}
	}

	var consensusText strings.Builder
	for i, entry := range aggregateRankings {
		if entry.RankingsCount > 0 {
			consensusText.WriteString(fmt.Sprintf("%d. %s (average position %.2f across %d rankings)\n",
				i+1, entry.Model, entry.AverageRank, entry.RankingsCount))
		} else {
			consensusText.WriteString(fmt.Sprintf("%d. %s (not ranked by any evaluator)\n", i+1, entry.Model))
		}
	}

	chairmanPrompt := fmt.Sprintf(`You are the Chairman of an LLM Council. Multiple AI models have provided responses to a user's question, and then ranked each other's responses.
%s
Current Question: %s

STAGE 1 - Individual Responses:
%s

STAGE 2 - Peer Rankings:
%s

CONSENSUS RANKING (derived from all peer rankings):
%s

Your task as Chairman is to provide the FINAL DECISION for the user's question, not merely a summary. Follow this approach:

1. CRITICALLY EVALUATE each individual response:
   - Identify strengths: accuracy, completeness, clarity, evidence provided
   - Identify weaknesses: omissions, errors, poor reasoning, hallucinations
   - Be specific and objective in your criticism

2. JUDGE THE QUALITY of responses:
   - Which responses are best? Why? Cite specific reasons.
   - Which responses are worst? Why? Be direct.
   - Compare responses directly against each other

3. PROVIDE YOUR OWN INDEPENDENT ASSESSMENT:
   - Do not simply parrot the peer rankings
   - Give your own judgment based on your critical evaluation
   - If you disagree with the peer rankings, explain why
   - Highlight insights that peers may have missed

4. DELIVER A FINAL DECISION:
   - Synthesize the best insights from all responses
   - Correct any errors in lower-ranked responses
   - Provide your own authoritative answer to the user's question
   - Be decisive and clear

Your goal is to be a CRITICAL THINKER and ACTIVE JUDGE, not a passive summarizer. The user relies on you to provide the most accurate, well-reasoned answer possible.

Provide your final answer now:`, historyContextText(history), userQuery, stage1Text.String(), stage2Text.String(), consensusText.String())

	messages := []OpenRouterMessage{
		{Role: "user", Content: chairmanPrompt},
	}

	response, err := QueryModel(ctx, ChairmanModel, messages, ModelQueryTimeout)
	if err != nil {
		return nil, fmt.Errorf("chairman model query failed: %w", err)
	}

	return &Stage3Response{
		Model:    ChairmanModel,
		Response: response.Content,
	}, nil
}

// BuildConversationHistory projects a stored conversation into the minimal
// history the council stages consume. User messages keep their content;
// assistant messages contribute only their Stage-3 synthesis; intermediate
// stage material is never replayed into model context. The current turn's
// query is not part of history; it travels separately.
func BuildConversationHistory(conversation *Conversation) []OpenRouterMessage {
	history := []OpenRouterMessage{}
	if conversation == nil {
		return history
	}

	for _, msg := range conversation.Messages {
		switch msg.Role {
		case "user":
			history = append(history, OpenRouterMessage{Role: "user", Content: msg.Content})
		case "assistant":
			if msg.Stage3 != nil {
				history = append(history, OpenRouterMessage{Role: "assistant", Content: msg.Stage3.Response})
			}
		}
	}

	return history
}

// GenerateConversationTitle generates a short title for a conversation.
// Uses the configured fast model to create a 3-5 word summary of the user's
// query. Returns the generated title or an error if generation fails.
func GenerateConversationTitle(ctx context.Context, userQuery string) (string, error) {
	titlePrompt := fmt.Sprintf(`Generate a very short title (3-5 words maximum) that summarizes the following question.
The title should be concise and descriptive. Do not use quotes or punctuation in the title.

Question: %s

Title:`, userQuery)

	messages := []OpenRouterMessage{
		{Role: "user", Content: titlePrompt},
	}

	response, err := QueryModel(ctx, TitleModel, messages, TitleGenTimeout)
	if err != nil {
		return "", fmt.Errorf("title generation failed: %w", err)
	}

	title := strings.TrimSpace(response.Content)

	// Clean up the title - remove quotes
	title = strings.Trim(title, "\"'")

	// Truncate if too long
	if len(title) > 50 {
		title = title[:47] + "..."
	}

	return title, nil
}

// RunFullCouncil runs the complete 3-stage council process over a query and
// its conversation history. Individual model failures in Stages 1 and 2 are
// captured as data and never abort the run; the two fatal cases are a fully
// failed Stage 1 (nothing to deliberate over) and a failed chairman call.
func RunFullCouncil(ctx context.Context, userQuery string, history []OpenRouterMessage) (*DeliberationResult, error) {
	// Stage 1: Collect responses
	stage1Results := Stage1CollectResponses(ctx, userQuery, history)

	successes := 0
	for _, result := range stage1Results {
		if result.OK() {
			successes++
		}
	}
	if successes == 0 {
		return nil, fmt.Errorf("stage 1 failed: %w", ErrAllModelsFailed)
	}

	// Stage 2: Collect rankings from the labeled models
	stage2Results, labelToModel := Stage2CollectRankings(ctx, userQuery, stage1Results, history)

	// Consensus ordering across all evaluations
	councilOrder := make([]string, len(stage1Results))
	for i, result := range stage1Results {
		councilOrder[i] = result.Model
	}
	aggregateRankings := CalculateAggregateRankings(stage2Results, labelToModel, councilOrder)

	// Stage 3: Synthesize final answer
	stage3Result, err := Stage3SynthesizeFinal(ctx, userQuery, stage1Results, stage2Results, aggregateRankings, history)
	if err != nil {
		return nil, fmt.Errorf("stage 3 failed: %w", err)
	}

	return &DeliberationResult{
		Stage1: stage1Results,
		Stage2: stage2Results,
		Stage3: *stage3Result,
		Metadata: Metadata{
			LabelToModel:      labelToModel,
			AggregateRankings: aggregateRankings,
		},
	}, nil
}

// Deliberate runs one full council turn for a conversation: it loads the
// conversation, projects its history, runs the three stages, and appends the
// completed turn (user message plus three-stage assistant message) to the
// store. Nothing is persisted if any fatal stage fails. The returned result
// includes the ephemeral label map and aggregate rankings, which are never
// written to the store.
func Deliberate(ctx context.Context, conversationID string, userText string) (*DeliberationResult, error) {
	conversation, err := GetConversation(conversationID)
	if err != nil {
		return nil, err
	}
	if conversation == nil {
		return nil, fmt.Errorf("conversation %s not found", conversationID)
	}

	history := BuildConversationHistory(conversation)

	result, err := RunFullCouncil(ctx, userText, history)
	if err != nil {
		return nil, err
	}

	if err := AppendTurn(conversationID, userText, result.Stage1, result.Stage2, result.Stage3); err != nil {
		return nil, fmt.Errorf("failed to save turn: %w", err)
	}

	return result, nil
}
