package model

import (
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedCallback = errors.New("malformed callback")

// CallbackBody is what a provider posts to the callback URL.
type CallbackBody struct {
	JobID        string   `json:"jobId"`
	Status       string   `json:"status"`
	Stage        string   `json:"stage,omitempty"`
	Progress     *int     `json:"progress,omitempty"`
	OutputURL    string   `json:"outputUrl,omitempty"`
	OutputURLs   []string `json:"outputUrls,omitempty"`
	CostMicros   *int64   `json:"costMicros,omitempty"`
	ErrorCode    string   `json:"errorCode,omitempty"`
	ErrorMessage string   `json:"errorMessage,omitempty"`
}

// Event converts the loose wire shape into a JobEvent.
func (b CallbackBody) Event() (JobEvent, error) {
	if strings.TrimSpace(b.JobID) == "" {
		return nil, fmt.Errorf("%w: missing jobId", ErrMalformedCallback)
	}

	switch strings.ToLower(strings.TrimSpace(b.Status)) {
	case "rendering", "processing":
		p := Progress{Stage: Clip(strings.TrimSpace(b.Stage), MaxStageLen)}
		if b.Progress != nil {
			p.Percent = *b.Progress
		}
		if p.Percent < 0 || p.Percent > 100 {
			return nil, fmt.Errorf("%w: progress %d out of range", ErrMalformedCallback, p.Percent)
		}
		return p, nil

	case "completed", "succeeded":
		outs := make([]string, 0, len(b.OutputURLs)+1)
		if u := strings.TrimSpace(b.OutputURL); u != "" {
			outs = append(outs, u)
		}
		for _, u := range b.OutputURLs {
			if u = strings.TrimSpace(u); u != "" {
				outs = append(outs, u)
			}
		}
		if b.CostMicros != nil && *b.CostMicros < 0 {
			return nil, fmt.Errorf("%w: negative costMicros", ErrMalformedCallback)
		}
		return Success{Outputs: outs, CostMicros: b.CostMicros}, nil

	case "failed", "error":
		code := strings.TrimSpace(b.ErrorCode)
		if code == "" {
			code = ErrCodeProvider
		}
		msg := strings.TrimSpace(b.ErrorMessage)
		if msg == "" {
			msg = "provider reported failure"
		}
		return Failure{Code: Clip(code, MaxErrorCodeLen), Message: Clip(msg, MaxErrorMessageLen)}, nil

	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrMalformedCallback, b.Status)
	}
}
