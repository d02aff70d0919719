package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTwilioBaseURL = "https://api.twilio.com/2010-04-01"

// statusCallbackEvents are the lifecycle events requested for every placed call.
var statusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

// TwilioConfig configures the Twilio REST adapter.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
	HTTPClient *http.Client
}

// TwilioProvider places calls through the Twilio REST API.
type TwilioProvider struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

func NewTwilioProvider(cfg TwilioConfig) (*TwilioProvider, error) {
	if cfg.AccountSID == "" {
		return nil, errors.New("telephony: twilio account sid required")
	}
	if cfg.AuthToken == "" {
		return nil, errors.New("telephony: twilio auth token required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultTwilioBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &TwilioProvider{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    baseURL,
		httpClient: hc,
	}, nil
}

func (p *TwilioProvider) Name() string { return "twilio" }

// HealthCheck fetches the account resource, which verifies reachability and credentials.
func (p *TwilioProvider) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/Accounts/%s.json", p.baseURL, p.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return p.do(req, nil)
}

// twilioCall is the subset of the Calls resource we read back.
type twilioCall struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// PlaceCall creates an outbound call with inline TwiML.
func (p *TwilioProvider) PlaceCall(ctx context.Context, in PlaceCallRequest) (PlacedCall, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", p.baseURL, p.accountSID)

	data := url.Values{}
	data.Set("To", in.To)
	data.Set("From", in.From)
	data.Set("Twiml", in.ControlDocument)
	if in.StatusCallbackURL != "" {
		data.Set("StatusCallback", in.StatusCallbackURL)
		data.Set("StatusCallbackMethod", http.MethodPost)
		for _, ev := range statusCallbackEvents {
			data.Add("StatusCallbackEvent", ev)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return PlacedCall{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var call twilioCall
	if err := p.do(req, &call); err != nil {
		return PlacedCall{}, err
	}
	if call.SID == "" {
		return PlacedCall{}, errors.New("telephony: twilio response missing call sid")
	}
	return PlacedCall{CallID: call.SID, Status: call.Status}, nil
}

// TwilioError is the error document returned by the Twilio REST API.
type TwilioError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (e *TwilioError) Error() string {
	return fmt.Sprintf("twilio error %d (http %d): %s", e.Code, e.Status, e.Message)
}

func (p *TwilioProvider) do(req *http.Request, result any) error {
	req.SetBasicAuth(p.accountSID, p.authToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: twilio request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("telephony: twilio read: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &TwilioError{Status: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		if apiErr.Status == 0 {
			apiErr.Status = resp.StatusCode
		}
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("telephony: twilio decode: %w", err)
		}
	}
	return nil
}
