// Package detection holds the wire messages exchanged with the
// bird-identification and screenshot services.
package detection

import (
	"encoding/json"
	"fmt"
	"time"
)

// Actions understood by the detection and screenshot services.
const (
	ActionAnalyze        = "analyze"
	ActionDeleteCaptures = "delete_captures"
	ActionSaveCapture    = "save_capture"
)

// Request is an outbound command. Frame is used by analyze, Image by
// save_capture.
type Request struct {
	Action string `json:"action"`
	Frame  string `json:"frame,omitempty"` // Base64 encoded JPEG
	Image  string `json:"image,omitempty"` // Base64 encoded JPEG
}

// NewAnalyzeRequest asks the detection service to identify birds in frame.
func NewAnalyzeRequest(frameBase64 string) *Request {
	return &Request{Action: ActionAnalyze, Frame: frameBase64}
}

// NewDeleteCapturesRequest asks the service to drop this client's captures.
func NewDeleteCapturesRequest() *Request {
	return &Request{Action: ActionDeleteCaptures}
}

// NewSaveCaptureRequest asks the screenshot service to store image.
func NewSaveCaptureRequest(imageBase64 string) *Request {
	return &Request{Action: ActionSaveCapture, Image: imageBase64}
}

// Bird is a single identified bird.
type Bird struct {
	Species        string `json:"species,omitempty"`
	ScientificName string `json:"scientific_name,omitempty"`
	Confidence     string `json:"confidence,omitempty"` // "élevé", "moyen", "faible" or english
	Description    string `json:"description,omitempty"`
	Location       string `json:"location,omitempty"`
}

// Result is an inbound message from the detection service. Count is a
// pointer so an absent count can be told apart from zero.
type Result struct {
	Count         *int   `json:"count,omitempty"`
	Birds         []Bird `json:"birds,omitempty"`
	CapturedImage string `json:"captured_image,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
	Error         string `json:"error,omitempty"`
	RawResponse   string `json:"raw_response,omitempty"`
	Status        string `json:"status,omitempty"`
}

// ParseResult decodes a text frame from the detection service.
func ParseResult(data []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("invalid detection message: %w", err)
	}
	return &r, nil
}

// IsAcknowledgement reports whether the message only carries a status,
// such as the reply to delete_captures.
func (r *Result) IsAcknowledgement() bool {
	return r.Status != "" && r.Birds == nil && (r.Count == nil || *r.Count == 0)
}

// Empty reports whether no bird was found.
func (r *Result) Empty() bool {
	return (r.Count != nil && *r.Count == 0) || len(r.Birds) == 0
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

// CheckedAt parses Timestamp. ok is false when it is absent or unparseable.
func (r *Result) CheckedAt() (t time.Time, ok bool) {
	if r.Timestamp == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, r.Timestamp, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ScreenshotReply is sent back by the screenshot service.
type ScreenshotReply struct {
	Status   string `json:"status"` // "saved", "deleted" or "error"
	Filename string `json:"filename,omitempty"`
	Error    string `json:"error,omitempty"`
}
