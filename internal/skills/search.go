package skills

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nlpodyssey/openai-agents-go/agents"
)

const tavilyURL = "https://api.tavily.com/search"

// Search queries the Tavily web search API.
type Search struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewSearch(apiKey string, client *http.Client) *Search {
	return &Search{apiKey: apiKey, baseURL: tavilyURL, client: client}
}

type SearchArgs struct {
	Query      string `json:"query" jsonschema_description:"The search query or question"`
	MaxResults int    `json:"max_results" jsonschema_description:"Results to return from 1 to 5"`
}

type tavilyRequest struct {
	APIKey            string `json:"api_key"`
	Query             string `json:"query"`
	SearchDepth       string `json:"search_depth"`
	IncludeAnswer     bool   `json:"include_answer"`
	IncludeRawContent bool   `json:"include_raw_content"`
	MaxResults        int    `json:"max_results"`
}

type tavilyResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string `json:"title"`
		Content string `json:"content"`
		URL     string `json:"url"`
	} `json:"results"`
}

func (s *Search) Tool() agents.FunctionTool {
	return newTool("search_web", "Search the internet for current information, facts or answers to questions", s.Lookup)
}

func (s *Search) Lookup(ctx context.Context, args SearchArgs) (string, error) {
	query := strings.TrimSpace(args.Query)
	if query == "" {
		return "", errors.New("query is required")
	}
	n := args.MaxResults
	if n <= 0 {
		n = 3
	}
	n = min(n, 5)

	var resp tavilyResponse
	err := fetchJSON(ctx, s.client, http.MethodPost, s.baseURL, tavilyRequest{
		APIKey:        s.apiKey,
		Query:         query,
		SearchDepth:   "basic",
		IncludeAnswer: true,
		MaxResults:    n,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("search %q: %w", query, err)
	}

	var b strings.Builder
	if resp.Answer != "" {
		fmt.Fprintf(&b, "Answer: %s\n", resp.Answer)
	}
	for i, r := range resp.Results[:min(n, len(resp.Results))] {
		fmt.Fprintf(&b, "%d. %s: %s (%s)\n", i+1, r.Title, clip(r.Content, 200), r.URL)
	}
	if b.Len() == 0 {
		return fmt.Sprintf("No results found for %q.", query), nil
	}
	return strings.TrimSpace(b.String()), nil
}
