// Package auto implements the at-the-money/expiry auto-detector
// collaborator from spec.md §6, consumed once at startup. Adapted from
// original_source/baseline_v1_live/auto_detector.py's
// calculate_atm_strike (nearest-100 rounding) and find_nearest_expiry,
// re-expressed with the teacher's HTTP-client conventions instead of
// requests/pytz.
package auto

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Anchor is the detector's output: the at-the-money strike and the
// expiry token the core uses to format symbols (spec.md §6).
type Anchor struct {
	ATMStrike   int
	ExpiryToken string // DDMMMYY, e.g. "06FEB26"
}

// Detector resolves the session anchor at startup.
type Detector interface {
	Detect(ctx context.Context) (Anchor, error)
}

// HTTPDetector polls the broker gateway's quote/expiry endpoints once,
// adapted from AutoDetector.fetch_spot_price + fetch_expiries +
// find_nearest_expiry. Unlike the Python original's WebSocket-first,
// 9:16 AM wait-for-open logic (out of scope: this core is invoked
// after startup/auto-detection per spec.md §1), this implementation is
// a single best-effort poll the operator surface invokes synchronously
// before subscribing the strike window.
type HTTPDetector struct {
	baseURL string
	apiKey  string
	http    *http.Client
	strikeIncrement int
}

// NewHTTPDetector creates a detector polling baseURL with apiKey.
// strikeIncrement is NIFTY's strike spacing (50).
func NewHTTPDetector(baseURL, apiKey string, strikeIncrement int) *HTTPDetector {
	return &HTTPDetector{
		baseURL:         strings.TrimRight(baseURL, "/"),
		apiKey:          apiKey,
		http:            &http.Client{Timeout: 10 * time.Second},
		strikeIncrement: strikeIncrement,
	}
}

type quoteResponse struct {
	Status string `json:"status"`
	Data   struct {
		LTP float64 `json:"ltp"`
	} `json:"data"`
	Message string `json:"message"`
}

func (d *HTTPDetector) fetchSpot(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/api/v1/quotes", nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	resp, err := d.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch spot: %w", err)
	}
	defer resp.Body.Close()
	var out quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode spot response: %w", err)
	}
	if out.Status != "success" {
		return 0, fmt.Errorf("quote api failed: %s", out.Message)
	}
	return out.Data.LTP, nil
}

type expiryResponse struct {
	Status string   `json:"status"`
	Data   []string `json:"data"` // "DD-MMM-YY"
}

func (d *HTTPDetector) fetchExpiries(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/api/v1/expiry", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch expiries: %w", err)
	}
	defer resp.Body.Close()
	var out expiryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode expiry response: %w", err)
	}
	if out.Status != "success" {
		return nil, fmt.Errorf("expiry api returned non-success status")
	}
	return out.Data, nil
}

// CalculateATMStrike rounds spot to the nearest strike increment, per
// auto_detector.py's calculate_atm_strike (nearest-100 rounding; this
// port takes the increment as a parameter since it is config-driven).
func CalculateATMStrike(spot float64, increment int) int {
	if increment <= 0 {
		increment = 50
	}
	return int(roundToNearest(spot, float64(increment)))
}

func roundToNearest(v, step float64) float64 {
	return float64(int(v/step+0.5)) * step
}

// FindNearestExpiry picks the soonest expiry on/after now from the
// "DD-MMM-YY" list the gateway returns, per find_nearest_expiry, and
// renders it as the DDMMMYY token spec.md §6 requires (no hyphens).
func FindNearestExpiry(expiries []string, now time.Time) (string, error) {
	type parsed struct {
		raw string
		t   time.Time
	}
	var candidates []parsed
	for _, e := range expiries {
		t, err := time.Parse("02-Jan-06", e)
		if err != nil {
			continue
		}
		if t.Before(now.Truncate(24 * time.Hour)) {
			continue
		}
		candidates = append(candidates, parsed{raw: e, t: t})
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no future expiries found among %d candidates", len(expiries))
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].t.Before(candidates[j].t) })
	nearest := candidates[0].t
	return strings.ToUpper(nearest.Format("02Jan06")), nil
}

func (d *HTTPDetector) Detect(ctx context.Context) (Anchor, error) {
	spot, err := d.fetchSpot(ctx)
	if err != nil {
		return Anchor{}, err
	}
	expiries, err := d.fetchExpiries(ctx)
	if err != nil {
		return Anchor{}, err
	}
	token, err := FindNearestExpiry(expiries, time.Now())
	if err != nil {
		return Anchor{}, err
	}
	return Anchor{
		ATMStrike:   CalculateATMStrike(spot, d.strikeIncrement),
		ExpiryToken: token,
	}, nil
}
