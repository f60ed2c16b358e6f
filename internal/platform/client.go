package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"changegate/internal/model"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

// Call is one Table API write. Token is the acting user's bearer token and
// never leaves this request.
type Call struct {
	Action         Action
	Table          string
	RecordID       string
	Fields         map[string]any
	IdempotencyKey string
	Token          string
}

type Response struct {
	Status          int
	RemoteReference string
	Record          map[string]any
}

type Options struct {
	Timeout time.Duration
	QPS     float64
	Burst   int
}

// Client talks to the ServiceNow Table API and classifies every outcome as
// success, transient or permanent.
type Client struct {
	BaseURL string
	http    *resty.Client
	limiter *rate.Limiter
}

func NewClient(baseURL string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(0)
	client.SetHeader("Accept", "application/json")
	c := &Client{BaseURL: strings.TrimRight(baseURL, "/"), http: client}
	if opts.QPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.QPS), burst)
	}
	return c
}

func (c *Client) tablePath(table, recordID string) string {
	p := c.BaseURL + "/api/now/table/" + url.PathEscape(table)
	if recordID != "" {
		p += "/" + url.PathEscape(recordID)
	}
	return p
}

func (c *Client) Apply(ctx context.Context, call Call) (Response, error) {
	if call.Table == "" {
		return Response{}, &model.PermanentError{Reason: "table required"}
	}
	if call.Token == "" {
		return Response{}, &model.AuthorizationError{Code: model.AuthorizationMissing, Err: errors.New("bearer token required")}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, &model.TransientError{Err: err}
		}
	}
	fields := call.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(call.Token).
		SetHeader("Content-Type", "application/json").
		SetQueryParam("sysparm_exclude_reference_link", "true").
		SetBody(fields)
	if call.IdempotencyKey != "" {
		req.SetHeader("Idempotency-Key", call.IdempotencyKey)
	}
	var (
		resp *resty.Response
		err  error
	)
	switch call.Action {
	case ActionCreate:
		resp, err = req.Post(c.tablePath(call.Table, ""))
	case ActionUpdate:
		if call.RecordID == "" {
			return Response{}, &model.PermanentError{Reason: "update requires a record sys_id"}
		}
		resp, err = req.Patch(c.tablePath(call.Table, call.RecordID))
	default:
		return Response{}, &model.PermanentError{Reason: fmt.Sprintf("unsupported action %q", call.Action)}
	}
	if err != nil {
		// Network failures and timeouts never count as success.
		return Response{}, &model.TransientError{Err: err}
	}
	return classify(call, resp.StatusCode(), resp.Body())
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	} `json:"error"`
	Status string `json:"status"`
}

func classify(call Call, status int, body []byte) (Response, error) {
	var env envelope
	decodeErr := json.Unmarshal(body, &env)
	reason := errorReason(env, body)

	switch {
	case status == http.StatusUnauthorized:
		return Response{}, &model.AuthorizationError{Code: model.AuthorizationRevoked, Err: errors.New(reason)}
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return Response{}, &model.TransientError{Status: status, Err: errors.New(reason)}
	case status < 200 || status >= 300:
		return Response{}, &model.PermanentError{Status: status, Reason: reason}
	}

	if decodeErr != nil {
		return Response{}, &model.PermanentError{Status: status, Reason: "malformed response: " + decodeErr.Error()}
	}
	if env.Error != nil {
		return Response{}, &model.PermanentError{Status: status, Reason: reason}
	}
	var record map[string]any
	if len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, &record); err != nil {
			return Response{}, &model.PermanentError{Status: status, Reason: "unexpected result shape"}
		}
	}
	ref, _ := record["sys_id"].(string)
	if ref == "" && call.Action == ActionUpdate {
		ref = call.RecordID
	}
	if ref == "" {
		return Response{}, &model.PermanentError{Status: status, Reason: "response carries no sys_id"}
	}
	return Response{Status: status, RemoteReference: ref, Record: record}, nil
}

func errorReason(env envelope, body []byte) string {
	if env.Error != nil {
		msg := strings.TrimSpace(env.Error.Message)
		if d := strings.TrimSpace(env.Error.Detail); d != "" && d != msg {
			if msg == "" {
				return d
			}
			msg += ": " + d
		}
		if msg != "" {
			return msg
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 512 {
		text = text[:512]
	}
	if text == "" {
		return "empty response"
	}
	return text
}
