package network

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"pushpay-service/internal/model"
	"pushpay-service/internal/token"
)

const (
	accessTokenPath     = "/accesstoken/get"
	defaultTokenTimeout = 10 * time.Second
)

// TokenExchanger trades merchant client credentials for an access token.
type TokenExchanger struct {
	httpClient *http.Client
	opts       Options
}

func NewTokenExchanger(opts Options, timeout time.Duration) *TokenExchanger {
	if timeout <= 0 {
		timeout = defaultTokenTimeout
	}
	return &TokenExchanger{
		httpClient: &http.Client{Timeout: timeout},
		opts:       opts,
	}
}

// seconds accepts expires_in both as a JSON number and as a quoted number.
type seconds int64

func (s *seconds) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "" || raw == "null" {
		*s = 0
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "expires_in %s", raw)
	}
	*s = seconds(n)
	return nil
}

type accessTokenResponse struct {
	AccessToken string  `json:"access_token"`
	ExpiresIn   seconds `json:"expires_in"`
}

func (e *TokenExchanger) Exchange(ctx context.Context, cred model.Credential) (token.Token, error) {
	base := e.opts.TestBaseURL
	if cred.Environment == model.EnvironmentProduction {
		base = e.opts.ProductionBaseURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+accessTokenPath, nil)
	if err != nil {
		return token.Token{}, err
	}
	req.Header.Set("client_id", cred.ClientID)
	req.Header.Set("client_secret", cred.ClientSecret)
	req.Header.Set(HeaderSubscriptionKey, cred.SubscriptionKey)
	req.Header.Set(HeaderMerchantSerialNumber, cred.MerchantSerialNumber)
	if e.opts.SystemName != "" {
		req.Header.Set(HeaderSystemName, e.opts.SystemName)
		req.Header.Set(HeaderSystemVersion, e.opts.SystemVersion)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return token.Token{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return token.Token{}, &TransportError{Err: err}
	}

	if _, err := classify(resp.StatusCode, body); err != nil {
		return token.Token{}, err
	}

	var out accessTokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return token.Token{}, errors.Wrap(err, "decode access token")
	}
	return token.Token{AccessToken: out.AccessToken, ExpiresIn: time.Duration(out.ExpiresIn) * time.Second}, nil
}
