package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Sentinel errors for identity endpoint outcomes.
// Use errors.Is to check.
var (
	// ErrAuthRejected means the identity endpoint refused the supplied
	// credentials. Never retried here — re-prompting is the caller's job.
	ErrAuthRejected = errors.New("tokens: identity endpoint rejected credentials")

	// ErrNetwork is a transport-level failure during issuance.
	// Not auto-retried at this layer; retrying bad credentials risks
	// account lockouts, so the transport below owns any retry policy.
	ErrNetwork = errors.New("tokens: network failure")
)

// Defaults for the Copernicus Data Space Ecosystem identity realm.
const (
	DefaultTokenURL = "https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token"
	DefaultProbeURL = "https://stac.dataspace.copernicus.eu/v1"
	DefaultClientID = "cdse-public"
)

// Form field names of the password-style grant request.
const (
	fieldUsername  = "username"
	fieldPassword  = "password"
	fieldTOTP      = "totp"
	fieldGrantType = "grant_type"
	fieldClientID  = "client_id"

	grantTypePassword = "password"
)

// ProbeResult classifies the outcome of an authenticated probe request.
type ProbeResult int

const (
	// ProbeAccepted: the server answered below 400 — token still valid.
	ProbeAccepted ProbeResult = iota
	// ProbeRejected: the server definitively refused the token.
	ProbeRejected
	// ProbeInconclusive: transport trouble — no verdict on the token.
	ProbeInconclusive
)

// Grant is the identity endpoint's JSON response to a successful
// password-grant request.
type Grant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`

	// ExpiresInS is the server-reported TTL in seconds; zero when the
	// server reports no expiry.
	ExpiresInS int64 `json:"expires_in"`
}

// IdentityClient exchanges credentials for grants and probes cached
// tokens against the remote service. Defined as an interface at the
// consumer so tests can substitute a fake endpoint.
type IdentityClient interface {
	IssueGrant(ctx context.Context, login, secret, otp string) (*Grant, error)
	Probe(ctx context.Context, accessToken string) ProbeResult
}

// HTTPIdentityClient talks to a real OAuth identity endpoint over HTTP.
type HTTPIdentityClient struct {
	tokenURL   string
	probeURL   string
	clientID   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewIdentityClient creates a client for the given identity realm.
// Empty URL or client ID arguments fall back to the CDSE defaults;
// a nil httpClient falls back to http.DefaultClient.
func NewIdentityClient(tokenURL, probeURL, clientID string, httpClient *http.Client, logger *slog.Logger) *HTTPIdentityClient {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}

	if probeURL == "" {
		probeURL = DefaultProbeURL
	}

	if clientID == "" {
		clientID = DefaultClientID
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPIdentityClient{
		tokenURL:   tokenURL,
		probeURL:   probeURL,
		clientID:   clientID,
		httpClient: httpClient,
		logger:     logger,
	}
}

// IssueGrant performs the password-style grant: a form-encoded POST with
// username, password, grant type, client ID, and an optional one-time
// code. HTTP 400/401 map to ErrAuthRejected, transport failures to
// ErrNetwork; neither is retried here.
func (c *HTTPIdentityClient) IssueGrant(ctx context.Context, login, secret, otp string) (*Grant, error) {
	form := url.Values{
		fieldUsername:  {login},
		fieldPassword:  {secret},
		fieldGrantType: {grantTypePassword},
		fieldClientID:  {c.clientID},
	}

	if otp != "" {
		form.Set(fieldTOTP, otp)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("tokens: creating grant request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	c.logger.Debug("requesting grant",
		slog.String("login", login),
		slog.Bool("otp", otp != ""),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tokens: posting grant request: %w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		// Body is not logged: Keycloak error payloads may echo form fields.
		c.logger.Warn("grant request rejected",
			slog.String("login", login),
			slog.Int("status", resp.StatusCode),
		)

		return nil, fmt.Errorf("tokens: HTTP %d: %w", resp.StatusCode, ErrAuthRejected)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tokens: identity endpoint HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var grant Grant
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return nil, fmt.Errorf("tokens: decoding grant response: %w", err)
	}

	if grant.AccessToken == "" {
		return nil, fmt.Errorf("tokens: grant response missing access token")
	}

	c.logger.Info("grant issued",
		slog.String("login", login),
		slog.Int64("expires_in_s", grant.ExpiresInS),
	)

	return &grant, nil
}

// Probe performs a lightweight authenticated GET against the probe
// endpoint. Any status below 400 counts as accepted; 401/403 are a
// definitive rejection; everything else, including transport failure,
// is inconclusive and must not force a reissue.
func (c *HTTPIdentityClient) Probe(ctx context.Context, accessToken string) ProbeResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.probeURL, http.NoBody)
	if err != nil {
		return ProbeInconclusive
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("probe transport failure", slog.String("error", err.Error()))
		return ProbeInconclusive
	}
	defer resp.Body.Close()

	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck // drain for connection reuse

	switch {
	case resp.StatusCode < http.StatusBadRequest:
		return ProbeAccepted
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.logger.Info("probe rejected cached token", slog.Int("status", resp.StatusCode))
		return ProbeRejected
	default:
		c.logger.Debug("probe inconclusive", slog.Int("status", resp.StatusCode))
		return ProbeInconclusive
	}
}
