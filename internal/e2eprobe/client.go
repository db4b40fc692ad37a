package e2eprobe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client speaks to a gateway's loopback chat endpoint. The gateway only
// honours requests arriving via loopback with its auth token.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// NewClient creates a gateway client. baseURL includes the port, e.g.
// "http://127.0.0.1:18800".
func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:    baseURL,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 35 * time.Second},
	}
}

type chatRequest struct {
	AgentID string `json:"agent_id"`
	Message string `json:"message"`
	Deliver bool   `json:"deliver"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

// Chat sends one prompt to one agent. deliver=false keeps the exchange off
// the chat transport; deliver=true routes the reply to the agent's own
// chat account.
func (c *Client) Chat(ctx context.Context, agentID, message string, deliver bool) (string, error) {
	body, err := json.Marshal(chatRequest{AgentID: agentID, Message: message, Deliver: deliver})
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway chat request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	var cr chatResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return "", fmt.Errorf("failed to parse chat response: %w", err)
	}
	return cr.Reply, nil
}
