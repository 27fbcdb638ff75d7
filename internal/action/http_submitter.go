package action

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/squadpool/missionsync/internal/mission"
)

// HTTPSubmitter submits actions to the backend's JSON API and maps the
// response body's outcome field.
type HTTPSubmitter struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSubmitter(baseURL string) *HTTPSubmitter {
	return &HTTPSubmitter{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (s *HTTPSubmitter) SubmitAction(ctx context.Context, kind Kind, missionID string) (Outcome, error) {
	var path string
	switch kind {
	case KindJoin:
		path = "/join"
	case KindResolveRound:
		path = "/resolve"
	default:
		return OutcomeRejected, fmt.Errorf("unknown action kind %q", kind)
	}
	endpoint := s.baseURL + "/missions/" + url.PathEscape(mission.NormalizeID(missionID)) + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return OutcomeRejected, fmt.Errorf("create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// The user (or the UI) abandoned the action; never conflate
			// with a backend failure.
			return OutcomeCancelled, nil
		}
		return OutcomeRejected, fmt.Errorf("submit action: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return OutcomeRejected, fmt.Errorf("read response: %w", err)
	}
	var out struct {
		Outcome string `json:"outcome"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return OutcomeRejected, fmt.Errorf("decode outcome: %w", err)
	}
	if out.Outcome == "committed" {
		return OutcomeCommitted, nil
	}
	return OutcomeRejected, nil
}
