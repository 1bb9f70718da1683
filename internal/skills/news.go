package skills

import (
	"cmp"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nlpodyssey/openai-agents-go/agents"
)

const newsAPIURL = "https://newsapi.org/v2"

var newsCategories = []string{"business", "entertainment", "general", "health", "science", "sports", "technology"}

// News reads headlines and searches articles on NewsAPI.
type News struct {
	apiKey  string
	country string
	baseURL string
	client  *http.Client
}

func NewNews(apiKey, country string, client *http.Client) *News {
	return &News{apiKey: apiKey, country: cmp.Or(country, "us"), baseURL: newsAPIURL, client: client}
}

type NewsArgs struct {
	Query       string `json:"query" jsonschema_description:"Topic to search for. Empty for top headlines"`
	Category    string `json:"category" jsonschema_description:"Headline category: business, entertainment, general, health, science, sports or technology. Empty for all"`
	MaxArticles int    `json:"max_articles" jsonschema_description:"Articles to return from 1 to 10"`
}

type newsResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Articles []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		PublishedAt string `json:"publishedAt"`
		Source      struct {
			Name string `json:"name"`
		} `json:"source"`
	} `json:"articles"`
}

func (n *News) Tool() agents.FunctionTool {
	return newTool("get_news", "Get the latest news headlines by category or search news on a topic", n.Lookup)
}

// Lookup searches all articles when a query is given and otherwise lists
// top headlines for the configured country.
func (n *News) Lookup(ctx context.Context, args NewsArgs) (string, error) {
	limit := args.MaxArticles
	if limit <= 0 {
		limit = 5
	}
	limit = min(limit, 10)

	query := strings.TrimSpace(args.Query)
	category := strings.ToLower(strings.TrimSpace(args.Category))
	q := url.Values{"apiKey": {n.apiKey}, "pageSize": {strconv.Itoa(limit)}}
	endpoint := "/top-headlines"
	if query != "" {
		endpoint = "/everything"
		q.Set("q", query)
		q.Set("sortBy", "publishedAt")
		q.Set("language", "en")
	} else {
		q.Set("country", n.country)
		if slices.Contains(newsCategories, category) {
			q.Set("category", category)
		}
	}

	var resp newsResponse
	if err := fetchJSON(ctx, n.client, http.MethodGet, n.baseURL+endpoint+"?"+q.Encode(), nil, &resp); err != nil {
		return "", fmt.Errorf("news: %w", err)
	}
	if resp.Status == "error" {
		return "", fmt.Errorf("news: %s", resp.Message)
	}
	if len(resp.Articles) == 0 {
		return fmt.Sprintf("No news found for %q.", cmp.Or(query, category, "top headlines")), nil
	}

	var b strings.Builder
	for i, a := range resp.Articles[:min(limit, len(resp.Articles))] {
		fmt.Fprintf(&b, "%d. %s (%s", i+1, a.Title, cmp.Or(a.Source.Name, "unknown source"))
		if ts, err := time.Parse(time.RFC3339, a.PublishedAt); err == nil {
			fmt.Fprintf(&b, ", %s", ts.UTC().Format("January 2, 2006"))
		}
		b.WriteString(")")
		if a.Description != "" {
			fmt.Fprintf(&b, ": %s", clip(a.Description, 150))
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String()), nil
}
