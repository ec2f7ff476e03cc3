package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
)

// EmailExtractor pulls the company and job title out of an application email.
type EmailExtractor interface {
	ExtractApplication(ctx context.Context, subject, sender, body string) (company, title string, err error)
}

type LLMService struct {
	Client llms.Model
}

// NewLLMService initializes the Gemini client.
func NewLLMService(ctx context.Context, apiKey string) (*LLMService, error) {
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY is empty")
	}
	llm, err := googleai.New(ctx,
		googleai.WithAPIKey(apiKey),
		googleai.WithDefaultModel("gemini-2.5-flash"),
	)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &LLMService{Client: llm}, nil
}

const applicationExtractionPrompt = `
You read job application confirmation emails and return the employer and the role applied for.

### OUTPUT SCHEMA:
{"company_name": "Employer name or null", "role_title": "Job title or null"}

### CONSTRAINT:
Return valid JSON only, without markdown. If a value is not stated, use null. Do not guess.

### EMAIL
From: %s
Subject: %s

%s
`

// ExtractApplication asks the model for the company and role of an email.
func (s *LLMService) ExtractApplication(ctx context.Context, subject, sender, body string) (string, string, error) {
	if len(body) > 8000 {
		body = body[:8000]
	}
	prompt := fmt.Sprintf(applicationExtractionPrompt, sender, subject, body)
	resp, err := llms.GenerateFromSinglePrompt(ctx, s.Client, prompt)
	if err != nil {
		return "", "", err
	}
	return parseExtraction(resp)
}

func parseExtraction(resp string) (string, string, error) {
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, "```json")
	resp = strings.TrimPrefix(resp, "```")
	resp = strings.TrimSuffix(resp, "```")

	var out struct {
		Company *string `json:"company_name"`
		Title   *string `json:"role_title"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp)), &out); err != nil {
		return "", "", fmt.Errorf("parse extraction: %w", err)
	}
	var company, title string
	if out.Company != nil {
		company = strings.TrimSpace(*out.Company)
	}
	if out.Title != nil {
		title = strings.TrimSpace(*out.Title)
	}
	return company, title, nil
}
