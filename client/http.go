package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"BlindMatch/internal/api"
	"BlindMatch/internal/guard"
	"BlindMatch/internal/ledger"
)

// APIError is an error response from the server.
type APIError struct {
	Status  int    // Status is the HTTP status code
	Code    string // Code is the stable error code
	Message string // Message is the server's description
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// Unwrap maps the code back to the engine error, so errors.Is works the same
// on both sides of the wire.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "validation":
		return guard.ErrValidation
	case "not_found":
		return guard.ErrNotFound
	case "not_authorized":
		return guard.ErrNotAuthorized
	case "invalid_proof":
		return guard.ErrInvalidProof
	case "paused":
		return guard.ErrPaused
	case "state_conflict":
		return guard.ErrStateConflict
	case "nothing_to_withdraw":
		return ledger.ErrNothingToWithdraw
	case "transfer_failure":
		return guard.ErrTransferFailure
	default:
		return nil
	}
}

// ErrUnauthenticated is returned when the server rejects a request signature.
var ErrUnauthenticated = errors.New("request signature rejected")

// get performs a public GET and decodes the JSON response.
func (c *Client) get(path string, result any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("GET %s:\n%w", path, err)
	}

	return c.do(req, result)
}

// send performs a request signed by w with a JSON body and decodes the response.
func (c *Client) send(w *Wallet, method, path string, body, result any) error {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal body:\n%w", err)
		}
	}

	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%s %s:\n%w", method, path, err)
	}

	req.Header.Set("Content-Type", "application/json")
	api.Sign(req, w.key, raw, c.now())

	return c.do(req, result)
}

// do executes req and decodes a 2xx JSON response into result.
func (c *Client) do(req *http.Request, result any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s:\n%w", req.Method, req.URL.Path, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return decodeError(resp)
	}

	if result == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode %s response:\n%w", req.URL.Path, err)
	}

	return nil
}

// raw executes a GET and returns the body as is.
func (c *Client) raw(path string) ([]byte, error) {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("GET %s:\n%w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	return io.ReadAll(resp.Body)
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	json.NewDecoder(resp.Body).Decode(&body)

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", ErrUnauthenticated, body.Error)
	}

	return &APIError{Status: resp.StatusCode, Code: body.Code, Message: body.Error}
}
