package skills

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/nlpodyssey/openai-agents-go/agents"
)

const openWeatherURL = "https://api.openweathermap.org/data/2.5"

// Weather looks up current conditions and a short forecast on
// OpenWeatherMap.
type Weather struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewWeather(apiKey string, client *http.Client) *Weather {
	return &Weather{apiKey: apiKey, baseURL: openWeatherURL, client: client}
}

type WeatherArgs struct {
	Location     string `json:"location" jsonschema_description:"City name with optional region or country, for example Paris, France"`
	ForecastDays int    `json:"forecast_days" jsonschema_description:"Days to cover from 1 to 5. 1 means current conditions only"`
}

type owmConditions []struct {
	Description string `json:"description"`
}

func (c owmConditions) first() string {
	if len(c) == 0 {
		return "unknown conditions"
	}
	return c[0].Description
}

type owmCurrent struct {
	Name string `json:"name"`
	Sys  struct {
		Country string `json:"country"`
	} `json:"sys"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  int     `json:"humidity"`
	} `json:"main"`
	Weather owmConditions `json:"weather"`
	Wind    struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
}

type owmForecast struct {
	List []struct {
		DtTxt string `json:"dt_txt"`
		Main  struct {
			Temp float64 `json:"temp"`
		} `json:"main"`
		Weather owmConditions `json:"weather"`
	} `json:"list"`
}

func (w *Weather) Tool() agents.FunctionTool {
	return newTool("get_weather", "Get current weather conditions and an optional forecast for a location", w.Lookup)
}

// Lookup reports current conditions and, for ForecastDays above one, the
// midday forecast of the following days. A failed forecast still returns
// the current conditions.
func (w *Weather) Lookup(ctx context.Context, args WeatherArgs) (string, error) {
	loc := strings.TrimSpace(args.Location)
	if loc == "" {
		return "", errors.New("location is required")
	}
	days := min(max(args.ForecastDays, 1), 5)

	q := url.Values{"q": {loc}, "appid": {w.apiKey}, "units": {"metric"}}
	var cur owmCurrent
	if err := fetchJSON(ctx, w.client, http.MethodGet, w.baseURL+"/weather?"+q.Encode(), nil, &cur); err != nil {
		return "", fmt.Errorf("current weather for %q: %w", loc, err)
	}

	place := cmp.Or(cur.Name, loc)
	if cur.Sys.Country != "" {
		place += ", " + cur.Sys.Country
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Weather in %s: %s, %.1f°C (feels like %.1f°C), humidity %d%%, wind %.1f m/s.",
		place, cur.Weather.first(), cur.Main.Temp, cur.Main.FeelsLike, cur.Main.Humidity, cur.Wind.Speed)
	if days == 1 {
		return b.String(), nil
	}

	q.Set("cnt", strconv.Itoa(days*8))
	var fc owmForecast
	if err := fetchJSON(ctx, w.client, http.MethodGet, w.baseURL+"/forecast?"+q.Encode(), nil, &fc); err != nil {
		slog.Warn("weather forecast", "location", loc, "error", err)
		return b.String(), nil
	}
	seen := map[string]bool{}
	for _, item := range fc.List {
		date, clock, ok := strings.Cut(item.DtTxt, " ")
		if !ok || clock != "12:00:00" || seen[date] || len(seen) == days-1 {
			continue
		}
		seen[date] = true
		fmt.Fprintf(&b, "\n%s: %.1f°C, %s.", date, item.Main.Temp, item.Weather.first())
	}
	return b.String(), nil
}
