package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"sjsage522/dealingester/logger"
	apperr "sjsage522/dealingester/pkg/errors"
)

const systemPrompt = `You extract promotional deals from rendered web page text.
Respond with a JSON object of the form {"deals": [...]}. Each deal has:
"title" (required), "landing_url" (required, the deal's destination URL),
"image_url", "summary", "starts_at", "ends_at" (ISO 8601 dates when stated).
Only include deals actually present in the text. Do not invent fields.`

// ClientConfig configures the extraction service client.
type ClientConfig struct {
	URL      string
	APIKey   string
	Model    string
	MaxInput int
	Timeout  time.Duration
}

// Client calls an OpenAI-compatible chat-completions endpoint and parses its
// response into deal candidates.
type Client struct {
	http *resty.Client
	cfg  ClientConfig
}

var _ Extractor = (*Client)(nil)

// NewClient creates a new extraction service client.
func NewClient(cfg ClientConfig) *Client {
	c := resty.New()
	c.SetTimeout(cfg.Timeout)
	return &Client{http: c, cfg: cfg}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Extract sends rendered text to the extraction service and returns validated
// deal candidates. Upstream failures map to ExtractionServiceError with
// retryability by status class; malformed payloads map to ExtractionParseError.
func (c *Client) Extract(ctx context.Context, text string, hints Hints) (*Result, error) {
	input := Truncate(text, c.cfg.MaxInput)

	userPrompt := fmt.Sprintf("Merchant: %s\nPage: %s\n", hints.MerchantID, hints.PageURL)
	if hints.SiteNotes != "" {
		userPrompt += "Site notes: " + hints.SiteNotes + "\n"
	}
	userPrompt += "\nPage text:\n" + input

	reqBody := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}
	reqBody.ResponseFormat.Type = "json_object"

	req := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody)
	if c.cfg.APIKey != "" {
		req.SetHeader("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := req.Post(c.cfg.URL)
	if err != nil {
		return nil, apperr.NewExtractionService(hints.PageURL, "extraction request failed", err, true)
	}

	if resp.StatusCode() != http.StatusOK {
		retryable := resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500
		return nil, apperr.NewExtractionService(
			hints.PageURL,
			fmt.Sprintf("extraction service returned status %d", resp.StatusCode()),
			nil,
			retryable,
		)
	}

	var chat chatResponse
	if err := json.Unmarshal(resp.Body(), &chat); err != nil {
		return nil, apperr.NewExtractionParse(hints.PageURL, "malformed completion envelope", err)
	}
	if len(chat.Choices) == 0 {
		return nil, apperr.NewExtractionParse(hints.PageURL, "completion has no choices", nil)
	}

	dtos, err := parseCandidatePayload(chat.Choices[0].Message.Content)
	if err != nil {
		return nil, apperr.NewExtractionParse(hints.PageURL, "malformed candidate payload", err)
	}

	result := collect(dtos, hints)
	logger.ForExtractor().Debug().
		Str("merchant", hints.MerchantID).
		Int("candidates", len(result.Candidates)).
		Int("dropped", result.Dropped).
		Int("input_bytes", len(input)).
		Msg("Extraction completed")

	return result, nil
}

// parseCandidatePayload decodes the model's content into candidate DTOs,
// tolerating code fences and a bare top-level array.
func parseCandidatePayload(content string) ([]candidateDTO, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	if strings.HasPrefix(content, "[") {
		var dtos []candidateDTO
		if err := json.Unmarshal([]byte(content), &dtos); err != nil {
			return nil, err
		}
		return dtos, nil
	}

	var wrapper struct {
		Deals []candidateDTO `json:"deals"`
	}
	if err := json.Unmarshal([]byte(content), &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Deals, nil
}
