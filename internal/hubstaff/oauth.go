package hubstaff

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/Tiliavir/worktime-epaper/internal/model"
	"github.com/Tiliavir/worktime-epaper/internal/timecalc"
)

// DefaultDiscoveryURL is Hubstaff's OpenID configuration document.
const DefaultDiscoveryURL = "https://account.hubstaff.com/.well-known/openid-configuration"

// discoveryDoc is the subset of the OpenID configuration we need.
type discoveryDoc struct {
	TokenEndpoint string `json:"token_endpoint"`
}

// Refresher exchanges a Hubstaff personal refresh token for a new
// access/refresh pair. The token endpoint is discovered on every call.
type Refresher struct {
	DiscoveryURL string
	HTTPClient   *http.Client
	// Now and Location control how AccessExpiry is computed.
	Now      func() time.Time
	Location *time.Location
	Log      *slog.Logger
}

// NewRefresher returns a Refresher with a 30 second HTTP timeout.
func NewRefresher(discoveryURL string, log *slog.Logger) *Refresher {
	if discoveryURL == "" {
		discoveryURL = DefaultDiscoveryURL
	}
	return &Refresher{
		DiscoveryURL: discoveryURL,
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
		Now:          time.Now,
		Location:     time.Local,
		Log:          log,
	}
}

// Refresh discovers the token endpoint and exchanges refreshToken there.
// On failure the caller's credential must be left untouched.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (model.Credential, error) {
	endpoint, err := r.Discover(ctx)
	if err != nil {
		return model.Credential{}, err
	}
	return r.Exchange(ctx, endpoint, refreshToken)
}

// Discover fetches the discovery document and returns its token_endpoint.
func (r *Refresher) Discover(ctx context.Context) (string, error) {
	r.logger().Debug("getting token endpoint", slog.String("url", r.DiscoveryURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.DiscoveryURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: creating request: %w", ErrDiscovery, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDiscovery, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: unexpected status %d: %s", ErrDiscovery, resp.StatusCode, string(body))
	}

	var doc discoveryDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("%w: decoding discovery document: %w", ErrDiscovery, err)
	}
	if doc.TokenEndpoint == "" {
		return "", fmt.Errorf("%w: discovery document has no token_endpoint", ErrDiscovery)
	}
	return doc.TokenEndpoint, nil
}

// Exchange posts grant_type=refresh_token to endpoint. The response must carry
// access_token, refresh_token and expires_in.
func (r *Refresher) Exchange(ctx context.Context, endpoint, refreshToken string) (model.Credential, error) {
	r.logger().Debug("getting new tokens", slog.String("endpoint", endpoint))

	// No client credentials: the form body is exactly grant_type and refresh_token.
	cfg := &oauth2.Config{
		Endpoint: oauth2.Endpoint{
			TokenURL:  endpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client())

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return model.Credential{}, fmt.Errorf("%w: %w", ErrExchange, err)
	}

	// oauth2 silently keeps the old refresh token when the response omits
	// one, so look at the raw response instead.
	if v := tok.Extra("refresh_token"); v == nil || v == "" {
		return model.Credential{}, fmt.Errorf("%w: response has no refresh_token", ErrExchange)
	}
	if tok.RefreshToken == "" {
		return model.Credential{}, fmt.Errorf("%w: response has no refresh_token", ErrExchange)
	}
	if tok.AccessToken == "" {
		return model.Credential{}, fmt.Errorf("%w: response has no access_token", ErrExchange)
	}
	expiresIn, err := seconds(tok.Extra("expires_in"), tok.ExpiresIn)
	if err != nil {
		return model.Credential{}, fmt.Errorf("%w: expires_in: %w", ErrExchange, err)
	}

	expiry := r.now().Add(time.Duration(expiresIn) * time.Second).In(r.location())
	return model.Credential{
		AccessToken:  tok.AccessToken,
		AccessExpiry: timecalc.TruncateMinute(expiry),
		RefreshToken: tok.RefreshToken,
	}, nil
}

// seconds converts a decoded expires_in value to whole seconds. JSON bodies
// decode numbers as float64; form-encoded bodies yield int64 or string.
// parsed is oauth2's own reading of the field, used for any other type.
func seconds(v any, parsed int64) (int64, error) {
	switch n := v.(type) {
	case float64:
		if n <= 0 || n != math.Trunc(n) {
			return 0, fmt.Errorf("invalid value %v", n)
		}
		return int64(n), nil
	case int64:
		if n <= 0 {
			return 0, fmt.Errorf("invalid value %d", n)
		}
		return n, nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil || i <= 0 {
			return 0, fmt.Errorf("invalid value %q", n)
		}
		return i, nil
	case nil:
		return 0, fmt.Errorf("missing")
	default:
		if parsed <= 0 {
			return 0, fmt.Errorf("unexpected type %T", v)
		}
		return parsed, nil
	}
}

func (r *Refresher) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return http.DefaultClient
}

func (r *Refresher) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Refresher) location() *time.Location {
	if r.Location != nil {
		return r.Location
	}
	return time.Local
}

func (r *Refresher) logger() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}
