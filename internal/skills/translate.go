package skills

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"

	"github.com/nlpodyssey/openai-agents-go/agents"
)

const googleTranslateURL = "https://translation.googleapis.com/language/translate/v2"

// Translate calls the Google Cloud Translation v2 API.
type Translate struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewTranslate(apiKey string, client *http.Client) *Translate {
	return &Translate{apiKey: apiKey, baseURL: googleTranslateURL, client: client}
}

type TranslateArgs struct {
	Text           string `json:"text" jsonschema_description:"Text to translate"`
	TargetLanguage string `json:"target_language" jsonschema_description:"ISO 639-1 code of the target language, for example es or ja"`
	SourceLanguage string `json:"source_language" jsonschema_description:"ISO 639-1 code of the source language. Empty to detect it"`
}

type translateRequest struct {
	Q      string `json:"q"`
	Target string `json:"target"`
	Source string `json:"source,omitempty"`
	Format string `json:"format"`
}

type translateResponse struct {
	Data struct {
		Translations []struct {
			TranslatedText         string `json:"translatedText"`
			DetectedSourceLanguage string `json:"detectedSourceLanguage"`
		} `json:"translations"`
	} `json:"data"`
}

func (t *Translate) Tool() agents.FunctionTool {
	return newTool("translate_text", "Translate text into another language", t.Lookup)
}

func (t *Translate) Lookup(ctx context.Context, args TranslateArgs) (string, error) {
	text := strings.TrimSpace(args.Text)
	target := strings.ToLower(strings.TrimSpace(args.TargetLanguage))
	if text == "" || target == "" {
		return "", errors.New("text and target_language are required")
	}
	source := strings.ToLower(strings.TrimSpace(args.SourceLanguage))

	var resp translateResponse
	endpoint := t.baseURL + "?" + url.Values{"key": {t.apiKey}}.Encode()
	err := fetchJSON(ctx, t.client, http.MethodPost, endpoint, translateRequest{
		Q:      text,
		Target: target,
		Source: source,
		Format: "text",
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("translate: %w", err)
	}
	if len(resp.Data.Translations) == 0 {
		return "", errors.New("translate: empty response")
	}
	tr := resp.Data.Translations[0]
	if source == "" {
		source = tr.DetectedSourceLanguage
	}
	return fmt.Sprintf("Translation from %s to %s: %s", source, target, html.UnescapeString(tr.TranslatedText)), nil
}
