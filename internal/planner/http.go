package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"changegate/internal/model"
)

// HTTPPlanner asks an external planning service for candidate steps. The
// service receives the request id and raw text and may answer with any body
// ParseCandidate understands, or a JSON object carrying that text under
// "plan_text".
type HTTPPlanner struct {
	Endpoint string
	APIKey   string
	http     *resty.Client
}

func NewHTTPPlanner(endpoint, apiKey string, timeout time.Duration) *HTTPPlanner {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(0)
	return &HTTPPlanner{Endpoint: strings.TrimSpace(endpoint), APIKey: apiKey, http: client}
}

type planRequest struct {
	RequestID string `json:"request_id"`
	RawText   string `json:"raw_text"`
}

func (p *HTTPPlanner) Plan(ctx context.Context, req model.Request) ([]model.PlanStep, error) {
	if p == nil || p.Endpoint == "" {
		return nil, errors.New("planner endpoint required")
	}
	r := p.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetBody(planRequest{RequestID: req.ID, RawText: req.RawText})
	if p.APIKey != "" {
		r.SetAuthToken(p.APIKey)
	}
	resp, err := r.Post(p.Endpoint)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("planner status %d", resp.StatusCode())
	}
	body := resp.Body()
	var wrapped struct {
		PlanText string `json:"plan_text"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && strings.TrimSpace(wrapped.PlanText) != "" {
		return ParseCandidate(wrapped.PlanText)
	}
	return ParseCandidate(string(body))
}
