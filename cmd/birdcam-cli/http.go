package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// apiClient calls the viewer's control API.
type apiClient struct {
	base  string
	token string
	doer  *http.Client
	debug bool
}

func newAPIClient(base, token string, timeout int, debug bool) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		doer:  &http.Client{Timeout: time.Duration(timeout) * time.Second},
		debug: debug,
	}
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

// do sends body as JSON and returns the raw response body. Non-2xx
// responses become an *apiError.
func (c *apiClient) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.debug {
		fmt.Printf("> %s %s\n", method, req.URL)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if c.debug {
		fmt.Printf("< %s (%d bytes)\n", resp.Status, len(data))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return nil, &apiError{Status: resp.StatusCode, Message: msg}
	}
	return data, nil
}

func httpUsageCommands() string {
	return strings.Join([]string{
		"status                      show the viewer state",
		"toggle on|off               turn detection display on or off",
		"analyze X Y W H             analyze a region of the current frame",
		"capture OUT.jpg             take a screenshot and download it",
		"reset                       clear the detection panel",
		"ensure-stream               restart the stream if it is not playing",
		"login USER PASSWORD         print a bearer token",
	}, "\n")
}

func httpUsageExamples() string {
	return strings.Join([]string{
		"birdcam-cli status",
		"birdcam-cli analyze 100 80 320 240",
		"birdcam-cli -token $TOKEN capture bird.jpg",
	}, "\n")
}
