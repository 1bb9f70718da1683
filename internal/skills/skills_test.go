package skills

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/nlpodyssey/openai-agents-go/agents"
)

func invoke(t *testing.T, tool agents.FunctionTool, args string) (string, error) {
	t.Helper()
	out, err := tool.OnInvokeTool(context.Background(), args)
	if err != nil {
		return "", err
	}
	s, ok := out.(string)
	if !ok {
		t.Fatalf("tool returned %T", out)
	}
	return s, nil
}

func TestToolsEnabledByKey(t *testing.T) {
	if tools := Tools(Config{}, nil); len(tools) != 0 {
		t.Fatalf("tools without keys = %d", len(tools))
	}
	tools := Tools(Config{OpenWeatherKey: "w", TavilyKey: "s"}, nil)
	var names []string
	for _, tool := range tools {
		names = append(names, tool.ToolName())
	}
	if !slices.Equal(names, []string{"get_weather", "search_web"}) {
		t.Fatalf("names = %v", names)
	}
	fn := tools[0].(agents.FunctionTool)
	if fn.Description == "" || fn.ParamsJSONSchema["properties"] == nil {
		t.Errorf("tool schema = %+v", fn.ParamsJSONSchema)
	}
}

func TestWeatherWithForecast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("appid") != "key" || q.Get("units") != "metric" || q.Get("q") != "Paris" {
			t.Errorf("query = %v", q)
		}
		switch r.URL.Path {
		case "/weather":
			w.Write([]byte(`{"name":"Paris","sys":{"country":"FR"},"main":{"temp":12.34,"feels_like":11,"humidity":80},
				"weather":[{"description":"light rain"}],"wind":{"speed":4.1}}`))
		case "/forecast":
			if q.Get("cnt") != "24" {
				t.Errorf("cnt = %s", q.Get("cnt"))
			}
			w.Write([]byte(`{"list":[
				{"dt_txt":"2026-10-16 09:00:00","main":{"temp":9},"weather":[{"description":"fog"}]},
				{"dt_txt":"2026-10-16 12:00:00","main":{"temp":15},"weather":[{"description":"clear sky"}]},
				{"dt_txt":"2026-10-17 12:00:00","main":{"temp":16.5},"weather":[{"description":"few clouds"}]},
				{"dt_txt":"2026-10-18 12:00:00","main":{"temp":17},"weather":[{"description":"rain"}]}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	weather := NewWeather("key", srv.Client())
	weather.baseURL = srv.URL
	out, err := invoke(t, weather.Tool(), `{"location":"Paris","forecast_days":3}`)
	if err != nil {
		t.Fatal(err)
	}
	want := "Weather in Paris, FR: light rain, 12.3°C (feels like 11.0°C), humidity 80%, wind 4.1 m/s.\n" +
		"2026-10-16: 15.0°C, clear sky.\n2026-10-17: 16.5°C, few clouds."
	if out != want {
		t.Errorf("got:\n%s\nwant:\n%s", out, want)
	}
}

func TestWeatherForecastFailureKeepsCurrent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/forecast" {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"name":"Oslo","main":{"temp":-2},"weather":[{"description":"snow"}]}`))
	}))
	defer srv.Close()

	weather := NewWeather("key", srv.Client())
	weather.baseURL = srv.URL
	out, err := weather.Lookup(context.Background(), WeatherArgs{Location: "Oslo", ForecastDays: 2})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "Weather in Oslo: snow, -2.0°C") || strings.Contains(out, "\n") {
		t.Errorf("out = %q", out)
	}
}

func TestWeatherUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"invalid api key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	weather := NewWeather("bad", srv.Client())
	weather.baseURL = srv.URL
	_, err := invoke(t, weather.Tool(), `{"location":"Rome","forecast_days":1}`)
	if err == nil || !strings.Contains(err.Error(), "status 401") {
		t.Fatalf("err = %v", err)
	}
	if _, err := weather.Lookup(context.Background(), WeatherArgs{Location: "  "}); err == nil {
		t.Error("blank location accepted")
	}
}

func TestSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req tavilyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || r.Method != http.MethodPost {
			t.Errorf("request: %s %v", r.Method, err)
		}
		if req.APIKey != "key" || req.Query != "go 1.24 release" || !req.IncludeAnswer || req.MaxResults != 3 {
			t.Errorf("request = %+v", req)
		}
		w.Write([]byte(`{"answer":"February 2025.","results":[
			{"title":"Go 1.24 is released","content":"` + strings.Repeat("x", 250) + `","url":"https://go.dev/blog/go1.24"}]}`))
	}))
	defer srv.Close()

	search := NewSearch("key", srv.Client())
	search.baseURL = srv.URL
	out, err := invoke(t, search.Tool(), `{"query":"go 1.24 release","max_results":0}`)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(out, "\n")
	if len(lines) != 2 || lines[0] != "Answer: February 2025." {
		t.Fatalf("out = %q", out)
	}
	if !strings.HasPrefix(lines[1], "1. Go 1.24 is released: ") || !strings.HasSuffix(lines[1], "... (https://go.dev/blog/go1.24)") {
		t.Errorf("result line = %q", lines[1])
	}
}

func TestSearchNoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	search := NewSearch("key", srv.Client())
	search.baseURL = srv.URL
	out, err := search.Lookup(context.Background(), SearchArgs{Query: "zzzz"})
	if err != nil || out != `No results found for "zzzz".` {
		t.Fatalf("out = %q, err = %v", out, err)
	}
}

func TestNewsEndpoints(t *testing.T) {
	var paths []string
	var queries []map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		queries = append(queries, r.URL.Query())
		w.Write([]byte(`{"status":"ok","articles":[
			{"title":"Rover lands","description":"A rover landed.","publishedAt":"2026-10-14T08:00:00Z","source":{"name":"Space Daily"}},
			{"title":"Second","source":{"name":""}}]}`))
	}))
	defer srv.Close()

	news := NewNews("key", "", srv.Client())
	news.baseURL = srv.URL

	out, err := news.Lookup(context.Background(), NewsArgs{Category: "Science", MaxArticles: 1})
	if err != nil {
		t.Fatal(err)
	}
	if out != "1. Rover lands (Space Daily, October 14, 2026): A rover landed." {
		t.Errorf("headlines = %q", out)
	}
	if _, err = news.Lookup(context.Background(), NewsArgs{Query: "mars", Category: "astrology"}); err != nil {
		t.Fatal(err)
	}
	if _, err = news.Lookup(context.Background(), NewsArgs{Category: "astrology"}); err != nil {
		t.Fatal(err)
	}

	if !slices.Equal(paths, []string{"/top-headlines", "/everything", "/top-headlines"}) {
		t.Fatalf("paths = %v", paths)
	}
	if q := queries[0]; q["country"][0] != "us" || q["category"][0] != "science" || q["pageSize"][0] != "1" {
		t.Errorf("headline query = %v", q)
	}
	if q := queries[1]; q["q"][0] != "mars" || q["category"] != nil || q["pageSize"][0] != "5" {
		t.Errorf("search query = %v", q)
	}
	if q := queries[2]; q["category"] != nil {
		t.Errorf("unknown category forwarded: %v", q)
	}
}

func TestNewsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"error","message":"rate limited"}`))
	}))
	defer srv.Close()

	news := NewNews("key", "gb", srv.Client())
	news.baseURL = srv.URL
	if _, err := news.Lookup(context.Background(), NewsArgs{}); err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("err = %v", err)
	}
}

func TestTranslate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "key" {
			t.Errorf("key = %q", r.URL.Query().Get("key"))
		}
		var req translateRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Q != "good morning" || req.Target != "fr" || req.Source != "" || req.Format != "text" {
			t.Errorf("request = %+v", req)
		}
		w.Write([]byte(`{"data":{"translations":[{"translatedText":"bonjour l&#39;ami","detectedSourceLanguage":"en"}]}}`))
	}))
	defer srv.Close()

	tr := NewTranslate("key", srv.Client())
	tr.baseURL = srv.URL
	out, err := invoke(t, tr.Tool(), `{"text":"good morning","target_language":"FR","source_language":""}`)
	if err != nil {
		t.Fatal(err)
	}
	if out != "Translation from en to fr: bonjour l'ami" {
		t.Errorf("out = %q", out)
	}
}
