package distance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"coldchain/internal/model"
	"coldchain/internal/obs"
)

// ORS queries an OpenRouteService compatible directions endpoint.
type ORS struct {
	BaseURL    string
	APIKey     string
	Profile    string
	HTTP       *http.Client
	MaxAttempt int
}

func NewORS(apiKey string) (*ORS, error) {
	if apiKey == "" {
		return nil, errors.New("ORS api key is empty")
	}
	return &ORS{
		BaseURL:    "https://api.openrouteservice.org",
		APIKey:     apiKey,
		Profile:    "driving-hgv",
		HTTP:       &http.Client{Timeout: 10 * time.Second},
		MaxAttempt: 3,
	}, nil
}

type httpStatusError struct {
	Code int
	Body string
}

func (e *httpStatusError) Error() string { return fmt.Sprintf("status %d: %s", e.Code, e.Body) }

type orsResponse struct {
	Routes []struct {
		Summary struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
		} `json:"summary"`
	} `json:"routes"`
}

func (o *ORS) Distance(ctx context.Context, from, to model.GeoPoint) (_ Result, err error) {
	defer obs.Time(ctx, "ors.Distance")(&err)

	body, _ := json.Marshal(map[string]any{
		"coordinates": [][]float64{{from.Lng, from.Lat}, {to.Lng, to.Lat}},
	})
	url := strings.TrimRight(o.BaseURL, "/") + "/v2/directions/" + o.Profile
	resp, err := o.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", o.APIKey)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("ors directions: %w", err)
	}
	defer resp.Body.Close()
	var out orsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("ors directions: decode: %w", err)
	}
	if len(out.Routes) == 0 {
		return Result{}, errors.New("ors directions: no route")
	}
	s := out.Routes[0].Summary
	return Result{DistanceKm: s.Distance / 1000, DurationMin: s.Duration / 60}, nil
}

// doWithRetry retries network errors, 429 and 5xx with exponential backoff.
func (o *ORS) doWithRetry(ctx context.Context, makeReq func() (*http.Request, error)) (*http.Response, error) {
	attempts := o.MaxAttempt
	if attempts <= 0 {
		attempts = 1
	}
	backoff := 200 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req, err := makeReq()
		if err != nil {
			return nil, fmt.Errorf("make request: %w", err)
		}
		resp, err := o.HTTP.Do(req)
		if err == nil && resp.StatusCode < 400 {
			return resp, nil
		}
		retry := false
		if err != nil {
			var netErr net.Error
			retry = errors.As(err, &netErr)
			lastErr = err
		} else {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = &httpStatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
			switch resp.StatusCode {
			case 429, 500, 502, 503, 504:
				retry = true
			}
		}
		if !retry || attempt == attempts {
			return nil, lastErr
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return nil, lastErr
}
