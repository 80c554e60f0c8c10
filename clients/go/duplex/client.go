// Package duplex provides a client for the Duplex direct-messaging API.
package duplex

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a Duplex API client. Token is a bearer token issued by the
// identity provider; every call except Health and Stats requires one.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a new Duplex client. The token is read from the
// DUPLEX_TOKEN environment variable when not set explicitly.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      os.Getenv("DUPLEX_TOKEN"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// doRequest performs an HTTP request.
func (c *Client) doRequest(method, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequest(method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return nil, fmt.Errorf("duplex error %d: %s", resp.StatusCode, errResp.Error)
	}

	return respBody, nil
}

// Conversation is a two-party messaging thread.
type Conversation struct {
	ID        string    `json:"id"`
	UserA     string    `json:"user_a"`
	UserB     string    `json:"user_b"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one entry in a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationSummary is a conversation as listed in the inbox.
type ConversationSummary struct {
	Conversation Conversation `json:"conversation"`
	OtherUserID  string       `json:"other_user_id"`
	LastMessage  *Message     `json:"last_message,omitempty"`
	UnreadCount  int64        `json:"unread_count"`
}

// ResolveResponse is the response from conversation resolution.
type ResolveResponse struct {
	Conversation Conversation `json:"conversation"`
	OtherUserID  string       `json:"other_user_id"`
}

// Resolve finds or creates the conversation with another user.
func (c *Client) Resolve(userID string) (*ResolveResponse, error) {
	body, _ := json.Marshal(map[string]string{"user_id": userID})
	respBody, err := c.doRequest("POST", "/conversations/resolve", body)
	if err != nil {
		return nil, err
	}

	var resp ResolveResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ConversationsResponse is the response from the inbox listing.
type ConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
	Count         int                   `json:"count"`
}

// Conversations lists the caller's inbox, most recently active first.
func (c *Client) Conversations() (*ConversationsResponse, error) {
	respBody, err := c.doRequest("GET", "/conversations", nil)
	if err != nil {
		return nil, err
	}

	var resp ConversationsResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Send appends a message to a conversation.
func (c *Client) Send(conversationID, content string) (*Message, error) {
	body, _ := json.Marshal(map[string]string{"content": content})
	respBody, err := c.doRequest("POST", "/conversations/"+conversationID+"/messages", body)
	if err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(respBody, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MessagesResponse is the response from a message listing.
type MessagesResponse struct {
	Messages []Message `json:"messages"`
	Count    int       `json:"count"`
}

// Messages lists messages in ascending order. Pass afterID to page forward;
// an empty page means the log is exhausted.
func (c *Client) Messages(conversationID, afterID string, limit int) (*MessagesResponse, error) {
	q := url.Values{}
	if afterID != "" {
		q.Set("after", afterID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	path := "/conversations/" + conversationID + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	respBody, err := c.doRequest("GET", path, nil)
	if err != nil {
		return nil, err
	}

	var resp MessagesResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MarkRead advances the caller's read watermark for a conversation.
func (c *Client) MarkRead(conversationID string) error {
	_, err := c.doRequest("POST", "/conversations/"+conversationID+"/read", nil)
	return err
}

// Delete soft-deletes a message the caller sent.
func (c *Client) Delete(messageID string) error {
	_, err := c.doRequest("DELETE", "/messages/"+messageID, nil)
	return err
}

// Health checks server health.
func (c *Client) Health() (map[string]interface{}, error) {
	respBody, err := c.doRequest("GET", "/health", nil)
	if err != nil {
		return nil, err
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Event is a pushed event from a subscription.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Watch opens a live subscription and streams events to handler until the
// connection drops or handler returns an error. conversationIDs are joined
// after connecting; conversation-touched events for the caller's inbox
// arrive regardless.
func (c *Client) Watch(conversationIDs []string, handler func(Event) error) error {
	wsURL := "ws" + strings.TrimPrefix(c.BaseURL, "http") + "/subscribe?token=" + url.QueryEscape(c.Token)

	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return err
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer ws.Close()

	for _, id := range conversationIDs {
		sub := map[string]string{"action": "subscribe", "conversation_id": id}
		if err := ws.WriteJSON(sub); err != nil {
			return err
		}
	}

	for {
		var ev Event
		if err := ws.ReadJSON(&ev); err != nil {
			return err
		}
		if err := handler(ev); err != nil {
			return err
		}
	}
}
