package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/trailblazeapp/ridecal/internal/types"
)

const geminiEndpoint = "https://generativelanguage.googleapis.com/v1beta/models"

const systemInstruction = "You are an assistant specialized in extracting structured information about endurance riding events."

const promptTemplate = `Extract detailed information about this event:

Event Name: %s
Date: %s
Location: %s

Extract the following information from the text (if available):
- Detailed description of the event
- Start time
- Driving directions to the venue
- Registration information and deadlines
- Cost/fee information
- Contact details
- Any special requirements or gear needed
- Camping, water and other amenities
- Trail hazards
- Attending veterinarians
- Event highlights

Text content from website:
%s

Return the information as a JSON object with these fields (leave blank if not found):
{
    "description": "",
    "start_time": "",
    "directions": "",
    "registration_info": "",
    "cost_info": "",
    "contact_details": "",
    "requirements": "",
    "amenities": "",
    "hazards": "",
    "veterinarians": "",
    "highlights": ""
}`

// Gemini extracts details through the generateContent endpoint.
type Gemini struct {
	client   *http.Client
	endpoint string
	apiKey   string
	model    string
}

func NewGemini(apiKey, model string, timeout time.Duration) *Gemini {
	return &Gemini{
		client:   &http.Client{Timeout: timeout},
		endpoint: geminiEndpoint,
		apiKey:   apiKey,
		model:    model,
	}
}

type geminiRequest struct {
	SystemInstruction geminiContent   `json:"system_instruction"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  struct {
		Temperature     float64 `json:"temperature"`
		TopK            int     `json:"topK"`
		TopP            float64 `json:"topP"`
		MaxOutputTokens int     `json:"maxOutputTokens"`
	} `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

func (g *Gemini) Extract(ctx context.Context, text string, hints Hints) (map[string]any, error) {
	prompt := fmt.Sprintf(promptTemplate,
		orUnknown(hints.EventName), orUnknown(hints.Date), orUnknown(hints.Location), text)

	reqBody := geminiRequest{
		SystemInstruction: geminiContent{Parts: []geminiPart{{Text: systemInstruction}}},
		Contents:          []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
	}
	reqBody.GenerationConfig.Temperature = 0.2
	reqBody.GenerationConfig.TopK = 40
	reqBody.GenerationConfig.TopP = 0.95
	reqBody.GenerationConfig.MaxOutputTokens = 1024

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &types.ExtractorError{Err: err}
	}

	u := fmt.Sprintf("%s/%s:generateContent?key=%s", g.endpoint, g.model, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, &types.ExtractorError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &types.ExtractorError{Err: err, Retryable: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &types.ExtractorError{Err: err, Retryable: true}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &types.ExtractorError{
			Err:       fmt.Errorf("gemini status %d: %s", resp.StatusCode, firstBytes(body, 200)),
			Retryable: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	var answer struct {
		Candidates []struct {
			Content struct {
				Parts []geminiPart `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(body, &answer); err != nil {
		return nil, &types.ExtractorError{Err: err}
	}
	if len(answer.Candidates) == 0 || len(answer.Candidates[0].Content.Parts) == 0 {
		return nil, &types.ExtractorError{Err: errors.New("empty gemini answer")}
	}

	fields, err := parseAnswer(answer.Candidates[0].Content.Parts[0].Text)
	if err != nil {
		return nil, &types.ExtractorError{Err: err}
	}
	return fields, nil
}

// parseAnswer tolerates markdown fences and prose around the JSON the
// model was asked for.
func parseAnswer(text string) (map[string]any, error) {
	if i := strings.Index(text, "```json"); i >= 0 {
		text = text[i+len("```json"):]
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
	} else if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			text = text[start : end+1]
		}
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &fields); err != nil {
		return nil, fmt.Errorf("answer is not JSON: %w", err)
	}
	return fields, nil
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "Unknown"
	}
	return s
}

func firstBytes(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
