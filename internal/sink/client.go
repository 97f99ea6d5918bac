// ABOUTME: Lyrion Music Server JSON-RPC client
// ABOUTME: Player lookup, enumeration, and the slim.request envelope
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrNoPlayerFound means neither an active nor the configured default
// player could be located on the server.
var ErrNoPlayerFound = errors.New("no player found")

// Server is a client for one LMS instance.
type Server struct {
	baseURL string
	httpc   *http.Client
}

// NewServer builds a client for the server at addr (host or host:port;
// the default web port is assumed when omitted).
func NewServer(addr string) *Server {
	if !strings.Contains(addr, ":") {
		addr += ":9000"
	}
	return &Server{
		baseURL: fmt.Sprintf("http://%s/jsonrpc.js", addr),
		httpc:   &http.Client{Timeout: 10 * time.Second},
	}
}

type rpcRequest struct {
	ID     int           `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type rpcResponse struct {
	Result map[string]interface{} `json:"result"`
}

// Request issues one slim.request command scoped to playerID (empty for
// server-level queries) and returns the raw result map.
func (s *Server) Request(ctx context.Context, playerID string, cmd []interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(rpcRequest{
		ID:     1,
		Method: "slim.request",
		Params: []interface{}{playerID, cmd},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}

	var parsed rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return parsed.Result, nil
}

// Players enumerates the players known to the server.
func (s *Server) Players(ctx context.Context) ([]*Player, error) {
	result, err := s.Request(ctx, "", []interface{}{"players", "0", "99"})
	if err != nil {
		return nil, err
	}

	loop, _ := result["players_loop"].([]interface{})
	players := make([]*Player, 0, len(loop))
	for _, entry := range loop {
		fields, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := fields["playerid"].(string)
		name, _ := fields["name"].(string)
		if id == "" {
			continue
		}
		p := &Player{srv: s, id: id, name: name}
		p.power = truthy(fields["power"])
		players = append(players, p)
	}
	return players, nil
}

// PlayerByName looks a single player up by its configured name.
func (s *Server) PlayerByName(ctx context.Context, name string) (*Player, error) {
	players, err := s.Players(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range players {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoPlayerFound, name)
}

// truthy normalizes the server's mixed bool encodings (0/1 numbers or
// "0"/"1" strings, depending on query).
func truthy(v interface{}) bool {
	switch val := v.(type) {
	case bool:
		return val
	case float64:
		return val != 0
	case string:
		return val == "1" || val == "on"
	default:
		return false
	}
}
