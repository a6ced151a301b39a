// Package walletsrc talks to the external wallet/address service that
// owns key derivation and signing. The orchestrator never signs
// anything itself; it asks this collaborator for a ready list of
// registered, signing-capable addresses and delegates the registration
// handshake (TandC fetch + POST /register/...) to it.
package walletsrc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tos-network/tos-miner/internal/util"
)

// Address is one derived wallet identity competing for solutions.
type Address struct {
	Index      int    `json:"index"`
	Identifier string `json:"identifier"`
	PublicKey  []byte `json:"public_key"`
	Registered bool   `json:"registered"`
}

// Source is the collaborator the Coordinator's Registering state
// delegates to. Wallet/signing stays out of scope; Source only
// reports which addresses are registered and ready.
type Source interface {
	// Ready returns the registered, signing-capable addresses.
	Ready(ctx context.Context) ([]Address, error)
	// TandC fetches the registration precondition message.
	TandC(ctx context.Context) (string, error)
	// Register asserts the registration precondition for one address.
	Register(ctx context.Context, a Address, signature string) error
}

// HTTPSource is the JSON-RPC-over-HTTP implementation of Source
// (POST {endpoint}/json_rpc), unlike the plain-REST upstream network
// endpoints.
type HTTPSource struct {
	endpoint string
	username string
	password string
	client   *http.Client
}

// NewHTTPSource builds an HTTPSource against a wallet/address service.
func NewHTTPSource(endpoint, username, password string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		endpoint: endpoint,
		username: username,
		password: password,
		client:   &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *HTTPSource) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/json_rpc", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.username != "" || s.password != "" {
		httpReq.SetBasicAuth(s.username, s.password)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wallet source error: status %d, body: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("wallet source error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// Ready returns the registered addresses, filtering out any the
// service reports as unregistered so the Coordinator never mines for
// an address that cannot submit.
func (s *HTTPSource) Ready(ctx context.Context) ([]Address, error) {
	result, err := s.call(ctx, "list_addresses", nil)
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}

	var addrs []Address
	if err := json.Unmarshal(result, &addrs); err != nil {
		return nil, fmt.Errorf("parse addresses: %w", err)
	}

	ready := addrs[:0]
	for _, a := range addrs {
		if a.Registered {
			ready = append(ready, a)
		} else {
			util.Warnf("address %s (index %d) is not registered, skipping", a.Identifier, a.Index)
		}
	}
	return ready, nil
}

// TandC fetches the registration precondition message, delegated
// through to the same call the orchestrator would otherwise make
// directly against the network's GET /TandC endpoint.
func (s *HTTPSource) TandC(ctx context.Context) (string, error) {
	result, err := s.call(ctx, "get_tandc", nil)
	if err != nil {
		return "", fmt.Errorf("get tandc: %w", err)
	}
	var message string
	if err := json.Unmarshal(result, &message); err != nil {
		return "", fmt.Errorf("parse tandc: %w", err)
	}
	return message, nil
}

// Register asserts the registration precondition for a single address.
func (s *HTTPSource) Register(ctx context.Context, a Address, signature string) error {
	params := map[string]string{
		"address":    a.Identifier,
		"signature":  signature,
		"public_key": util.BytesToHex(a.PublicKey),
	}
	_, err := s.call(ctx, "register", params)
	if err != nil {
		return fmt.Errorf("register %s: %w", a.Identifier, err)
	}
	return nil
}
