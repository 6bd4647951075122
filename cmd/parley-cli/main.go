// ABOUTME: Command-line client for a running parley server
// ABOUTME: Lists agents and conversations, shows history, and sends turns

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
)

const defaultServer = "http://localhost:8080"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := &client{base: serverURL(), token: os.Getenv("PARLEY_TOKEN")}

	var err error
	switch os.Args[1] {
	case "agents":
		err = c.agents(ctx)
	case "conversations":
		err = c.conversations(ctx)
	case "history":
		if len(os.Args) < 3 {
			err = fmt.Errorf("usage: parley-cli history <conversation-id>")
		} else {
			err = c.history(ctx, os.Args[2])
		}
	case "send":
		if len(os.Args) < 4 {
			err = fmt.Errorf("usage: parley-cli send <agent-id> <text> [conversation-id]")
		} else {
			convID := ""
			if len(os.Args) > 4 {
				convID = os.Args[4]
			}
			err = c.send(ctx, os.Args[2], os.Args[3], convID)
		}
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: parley-cli <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  agents                              List available agents")
	fmt.Println("  conversations                       List your conversations")
	fmt.Println("  history <conversation-id>           Show a conversation's messages")
	fmt.Println("  send <agent-id> <text> [conv-id]    Submit a turn")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  PARLEY_SERVER  Server base URL (default http://localhost:8080)")
	fmt.Println("  PARLEY_TOKEN   Session token, if the server requires one")
}

func serverURL() string {
	if s := os.Getenv("PARLEY_SERVER"); s != "" {
		return s
	}
	return defaultServer
}

type client struct {
	base  string
	token string
}

func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

type agentInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Features    []string `json:"features"`
}

func (c *client) agents(ctx context.Context) error {
	var agents []agentInfo
	if err := c.do(ctx, http.MethodGet, "/api/agents", nil, &agents); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	for _, a := range agents {
		cyan.Printf("%-20s", a.ID)
		fmt.Printf(" %s", a.Name)
		if a.Description != "" {
			gray.Printf("  %s", a.Description)
		}
		fmt.Println()
	}
	return nil
}

type conversationInfo struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
}

func (c *client) conversations(ctx context.Context) error {
	var convs []conversationInfo
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &convs); err != nil {
		return err
	}

	gray := color.New(color.FgHiBlack)
	for _, conv := range convs {
		gray.Printf("%s  ", conv.ID)
		fmt.Printf("%s  ", conv.Title)
		gray.Println(conv.CreatedAt)
	}
	return nil
}

type messageInfo struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	AgentID string `json:"agent_id"`
	Kind    string `json:"kind"`
	Text    string `json:"text"`

	Analysis *struct {
		Source    string `json:"source"`
		SummaryMD string `json:"summary_md"`
		MergedMD  string `json:"merged_md"`
	} `json:"analysis"`
	Sources *struct {
		Answer  string `json:"answer"`
		Sources []struct {
			Filename string `json:"filename"`
			Page     int    `json:"page"`
		} `json:"sources"`
	} `json:"sources"`
}

func (c *client) history(ctx context.Context, convID string) error {
	var msgs []messageInfo
	if err := c.do(ctx, http.MethodGet, "/api/conversations/"+convID+"/messages", nil, &msgs); err != nil {
		return err
	}

	for _, m := range msgs {
		printMessage(&m)
	}
	return nil
}

type turnResult struct {
	ConversationID string        `json:"conversation_id"`
	Title          string        `json:"title"`
	Replies        []messageInfo `json:"replies"`
	Pending        []struct {
		RequestID string `json:"request_id"`
		Origin    string `json:"origin"`
		Text      string `json:"text"`
	} `json:"pending"`
}

func (c *client) send(ctx context.Context, agentID, text, convID string) error {
	body := map[string]any{
		"agent_id": agentID,
		"text":     text,
	}
	if convID != "" {
		body["conversation_id"] = convID
	}

	var result turnResult
	if err := c.do(ctx, http.MethodPost, "/api/turns", body, &result); err != nil {
		return err
	}

	gray := color.New(color.FgHiBlack)
	gray.Printf("conversation: %s (%s)\n", result.ConversationID, result.Title)
	for _, m := range result.Replies {
		printMessage(&m)
	}
	for _, p := range result.Pending {
		yellow := color.New(color.FgYellow)
		yellow.Printf("[pending %s] ", p.RequestID)
		fmt.Println(p.Text)
	}
	return nil
}

func printMessage(m *messageInfo) {
	role := color.New(color.FgGreen)
	if m.Role == "user" {
		role = color.New(color.FgCyan)
	}
	label := m.Role
	if m.AgentID != "" && m.Role == "assistant" {
		label = m.AgentID
	}
	role.Printf("%-20s", label)

	switch {
	case m.Kind == "error":
		color.New(color.FgRed).Println(m.Text)
	case m.Analysis != nil:
		if m.Analysis.SummaryMD != "" {
			fmt.Println(m.Analysis.SummaryMD)
		} else {
			fmt.Println(m.Analysis.MergedMD)
		}
	case m.Sources != nil:
		fmt.Println(m.Sources.Answer)
		for _, s := range m.Sources.Sources {
			color.New(color.FgHiBlack).Printf("%-20s  %s p.%d\n", "", s.Filename, s.Page)
		}
	default:
		fmt.Println(m.Text)
	}
}
