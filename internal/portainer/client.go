// Package portainer is a minimal client for the Portainer stack API,
// covering exactly what lab provisioning needs: create a standalone
// stack from a compose string, and delete a stack by id.
package portainer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

var (
	// ErrNotConfigured means the Portainer URL or API key is absent.
	ErrNotConfigured = errors.New("portainer is not configured")

	// ErrUnreachable wraps transport-level failures (dial, timeout),
	// as opposed to HTTP-level errors returned by Portainer itself.
	ErrUnreachable = errors.New("portainer unreachable")
)

// stackTimeout bounds a single API call. Stack creation can pull
// images, so this is deliberately long. There is no cancellation once
// a call is in flight.
const stackTimeout = 5 * time.Minute

// DeleteOutcome classifies the result of a stack deletion.
type DeleteOutcome int

const (
	Deleted DeleteOutcome = iota
	AlreadyAbsent
	Failed
)

func (o DeleteOutcome) String() string {
	switch o {
	case Deleted:
		return "deleted"
	case AlreadyAbsent:
		return "already-absent"
	default:
		return "failed"
	}
}

// DeleteResult is the explicit outcome of DeleteStack. A 404 from
// Portainer is AlreadyAbsent, not an error: the desired state holds.
type DeleteResult struct {
	Outcome DeleteOutcome
	Reason  string
}

// Client talks to one Portainer instance with a static API key.
type Client struct {
	baseURL    string
	apiKey     string
	endpointID int
	http       *fasthttp.Client
}

// New builds a Client. Returns ErrNotConfigured when the URL or key is
// missing so callers can refuse provisioning up front.
func New(baseURL, apiKey string, endpointID int) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" || apiKey == "" {
		return nil, ErrNotConfigured
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		endpointID: endpointID,
		http: &fasthttp.Client{
			ReadTimeout:  stackTimeout,
			WriteTimeout: 30 * time.Second,
		},
	}, nil
}

// EndpointID returns the configured Portainer endpoint id.
func (c *Client) EndpointID() int { return c.endpointID }

type createStackRequest struct {
	Name             string `json:"name"`
	StackFileContent string `json:"stackFileContent"`
}

type createStackResponse struct {
	ID json.Number `json:"Id"`
}

// CreateStack deploys a standalone compose stack and returns the
// external stack id Portainer assigned.
func (c *Client) CreateStack(name, stackFileContent string) (string, error) {
	body, err := json.Marshal(createStackRequest{Name: name, StackFileContent: stackFileContent})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/api/stacks/create/standalone/string?endpointId=%d", c.baseURL, c.endpointID)
	status, respBody, err := c.do(fasthttp.MethodPost, url, body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("portainer: create stack %q: status %d: %s", name, status, truncate(respBody))
	}

	var parsed createStackResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("portainer: create stack %q: bad response: %w", name, err)
	}
	id := parsed.ID.String()
	if id == "" {
		return "", fmt.Errorf("portainer: create stack %q: response has no stack id", name)
	}
	return id, nil
}

// DeleteStack removes a stack by external id. The outcome is explicit:
// a transport failure or non-404 error status yields Failed with the
// reason, never a panic or an ambiguous nil.
func (c *Client) DeleteStack(externalID string) DeleteResult {
	id, err := ParseStackID(externalID)
	if err != nil {
		return DeleteResult{Outcome: Failed, Reason: fmt.Sprintf("invalid stack id %q", externalID)}
	}
	url := fmt.Sprintf("%s/api/stacks/%d?endpointId=%d", c.baseURL, id, c.endpointID)
	status, respBody, err := c.do(fasthttp.MethodDelete, url, nil)
	if err != nil {
		return DeleteResult{Outcome: Failed, Reason: fmt.Sprintf("transport: %v", err)}
	}
	switch {
	case status == fasthttp.StatusNotFound:
		return DeleteResult{Outcome: AlreadyAbsent}
	case status >= 200 && status < 300:
		return DeleteResult{Outcome: Deleted}
	default:
		return DeleteResult{Outcome: Failed, Reason: fmt.Sprintf("status %d: %s", status, truncate(respBody))}
	}
}

func (c *Client) do(method, url string, body []byte) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI(url)
	req.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	if err := c.http.DoTimeout(req, resp, stackTimeout); err != nil {
		return 0, nil, err
	}

	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return resp.StatusCode(), out, nil
}

func truncate(b []byte) string {
	const max = 256
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// ParseStackID is a convenience for callers that store the external id
// as text but need to validate it is numeric before interpolating it
// into a path.
func ParseStackID(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}
