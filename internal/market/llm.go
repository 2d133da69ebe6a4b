// llm.go is the semantic matcher: an external LLM asked to pair markets
// that describe the same underlying event with different expiries, behind
// a strict JSON contract.
//
// The request numbers markets (1-based) with their expiries; the expected
// response is {"clusters":[{event_description, early_market_index,
// late_market_index, reasoning}]}. Responses are parsed defensively —
// markdown fences and surrounding prose are tolerated, indices are
// converted to 0-based, and anything unparseable yields zero clusters,
// never an error that would halt a scan.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"polyarb/internal/config"
	"polyarb/pkg/types"
)

// MatchedPair is one LLM-confirmed (early, late) pairing by index into
// the submitted market list.
type MatchedPair struct {
	EarlyIndex int
	LateIndex  int
	Reasoning  string
}

// Matcher is the LLM client. A nil *Matcher is valid and matches nothing,
// so callers need no enabled-checks at every call site.
type Matcher struct {
	http   *resty.Client
	apiKey string
	model  string
	logger *slog.Logger
}

// NewMatcher creates the matcher, or nil when no API key is configured.
func NewMatcher(cfg *config.Config, apiKey string, logger *slog.Logger) *Matcher {
	if apiKey == "" {
		logger.Info("semantic matcher disabled: no API key")
		return nil
	}

	client := resty.New().
		SetBaseURL(cfg.API.LLMBaseURL).
		SetTimeout(45 * time.Second)

	return &Matcher{
		http:   client,
		apiKey: apiKey,
		model:  cfg.API.LLMModel,
		logger: logger.With("component", "llm_matcher"),
	}
}

// generateRequest / generateResponse are the provider's wire shapes.
type genPart struct {
	Text string `json:"text"`
}

type genContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []genPart `json:"parts"`
}

type genConfig struct {
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMimeType string  `json:"responseMimeType"`
}

type generateRequest struct {
	Contents         []genContent `json:"contents"`
	GenerationConfig genConfig    `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content genContent `json:"content"`
	} `json:"candidates"`
}

// clusterWire is the contract the model must return. Indices are 1-based
// on the wire.
type clusterWire struct {
	Clusters []struct {
		EventDescription string `json:"event_description"`
		EarlyMarketIndex int    `json:"early_market_index"`
		LateMarketIndex  int    `json:"late_market_index"`
		Reasoning        string `json:"reasoning"`
	} `json:"clusters"`
}

// ClusterMarkets submits the markets and returns confirmed pairs with
// 0-based indices. Invalid model output yields an empty slice, not an
// error.
func (m *Matcher) ClusterMarkets(ctx context.Context, markets []types.Market, maxClusters int) ([]MatchedPair, error) {
	if m == nil || len(markets) == 0 {
		return nil, nil
	}

	req := generateRequest{
		Contents: []genContent{
			{Role: "user", Parts: []genPart{{Text: buildClusteringPrompt(markets)}}},
		},
		GenerationConfig: genConfig{
			Temperature:      0,
			MaxOutputTokens:  1024,
			ResponseMimeType: "application/json",
		},
	}

	var result generateResponse
	resp, err := m.http.R().
		SetContext(ctx).
		// The key stays in a query param but out of every log line.
		SetQueryParam("key", m.apiKey).
		SetBody(req).
		SetResult(&result).
		Post(fmt.Sprintf("/models/%s:generateContent", m.model))
	if err != nil {
		return nil, fmt.Errorf("llm request: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("llm request: status %d", resp.StatusCode())
	}

	text := extractText(result)
	if text == "" {
		m.logger.Warn("llm returned empty text")
		return nil, nil
	}

	parsed, ok := parseClusterJSON(text)
	if !ok {
		m.logger.Warn("llm response unparseable, discarding", "head", head(text, 200))
		return nil, nil
	}

	pairs := make([]MatchedPair, 0, len(parsed.Clusters))
	for _, c := range parsed.Clusters {
		if len(pairs) >= maxClusters {
			break
		}
		early, late := c.EarlyMarketIndex-1, c.LateMarketIndex-1
		if early < 0 || late < 0 || early >= len(markets) || late >= len(markets) || early == late {
			continue
		}
		pairs = append(pairs, MatchedPair{EarlyIndex: early, LateIndex: late, Reasoning: c.Reasoning})
	}

	m.logger.Info("llm clustering complete", "pairs", len(pairs))
	return pairs, nil
}

// VerifyEquivalent asks whether two cross-venue titles describe the same
// event. Errors and unparseable output count as "not equivalent".
func (m *Matcher) VerifyEquivalent(ctx context.Context, a, b types.Market) bool {
	if m == nil {
		return false
	}
	pairs, err := m.ClusterMarkets(ctx, []types.Market{a, b}, 1)
	if err != nil {
		m.logger.Warn("llm verification failed", "error", err)
		return false
	}
	return len(pairs) == 1
}

func buildClusteringPrompt(markets []types.Market) string {
	var sb strings.Builder
	sb.WriteString("You are an expert in prediction market arbitrage.\n")
	sb.WriteString("Identify pairs of markets that describe the SAME underlying event but with DIFFERENT expiries.\n")
	sb.WriteString("The early expiry must be a logical SUBSET of the late expiry.\n\nMarkets:\n")
	for i, m := range markets {
		expiry := "Unknown"
		if !m.EndDate.IsZero() {
			expiry = m.EndDate.Format(time.RFC3339)
		}
		fmt.Fprintf(&sb, "%d. %q (expires: %s)\n", i+1, m.Question, expiry)
	}
	sb.WriteString(`
Return ONLY valid JSON in this exact format:
{
  "clusters": [
    {
      "event_description": "short description",
      "early_market_index": 1,
      "late_market_index": 3,
      "reasoning": "why"
    }
  ]
}`)
	return sb.String()
}

func extractText(resp generateResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}
	parts := resp.Candidates[0].Content.Parts
	if len(parts) == 0 {
		return ""
	}
	return strings.TrimSpace(parts[0].Text)
}

// parseClusterJSON tries progressively harder to find the contract JSON:
// direct parse, fence-stripped parse, then the first {…} span.
func parseClusterJSON(text string) (clusterWire, bool) {
	var out clusterWire
	if json.Unmarshal([]byte(text), &out) == nil {
		return out, true
	}

	stripped := stripFences(text)
	if stripped != text && json.Unmarshal([]byte(stripped), &out) == nil {
		return out, true
	}

	start := strings.Index(stripped, "{")
	end := strings.LastIndex(stripped, "}")
	if start >= 0 && end > start {
		if json.Unmarshal([]byte(stripped[start:end+1]), &out) == nil {
			return out, true
		}
	}

	return clusterWire{}, false
}

func stripFences(text string) string {
	t := strings.TrimSpace(text)
	if !strings.Contains(t, "```") {
		return t
	}
	parts := strings.SplitN(t, "```", 3)
	if len(parts) < 2 {
		return t
	}
	inner := strings.TrimSpace(parts[1])
	inner = strings.TrimPrefix(inner, "json")
	return strings.TrimSpace(inner)
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
