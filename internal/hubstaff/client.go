package hubstaff

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/Tiliavir/worktime-epaper/internal/model"
	"github.com/Tiliavir/worktime-epaper/internal/timecalc"
)

// DefaultBaseURL is the Hubstaff public API.
const DefaultBaseURL = "https://api.hubstaff.com"

// maxPages caps every paginated listing.
const maxPages = 50

// Client reads the current user's daily billable activity from the Hubstaff
// v2 API. Every call takes the access token explicitly.
type Client struct {
	baseURL  string
	orgMatch string
	http     *http.Client
	limiter  *rate.Limiter
	log      *slog.Logger
}

// NewClient returns a Client that selects the organization whose name
// contains organizationMatch.
func NewClient(baseURL, organizationMatch string, log *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		orgMatch: organizationMatch,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		// A handful of calls per cycle; the bucket only guards against bursts.
		limiter: rate.NewLimiter(rate.Limit(2), 4),
		log:     log,
	}
}

type pagination struct {
	NextPageStartID int64 `json:"next_page_start_id"`
}

type userResponse struct {
	User struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"user"`
}

type organization struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type organizationsResponse struct {
	Organizations []organization `json:"organizations"`
	Pagination    *pagination    `json:"pagination"`
}

type dailyActivity struct {
	Date     string `json:"date"`
	UserID   int64  `json:"user_id"`
	Billable int64  `json:"billable"`
}

type dailyActivitiesResponse struct {
	DailyActivities []dailyActivity `json:"daily_activities"`
	Pagination      *pagination     `json:"pagination"`
}

// UserID resolves the id of the user owning accessToken.
func (c *Client) UserID(ctx context.Context, accessToken string) (int64, error) {
	c.log.Debug("getting user_id")
	var resp userResponse
	if err := c.get(ctx, accessToken, "/v2/users/me", nil, &resp); err != nil {
		return 0, err
	}
	if resp.User.ID == 0 {
		return 0, fmt.Errorf("%w: /v2/users/me returned no user id", ErrNetwork)
	}
	return resp.User.ID, nil
}

// OrganizationID returns the id of the first organization whose name contains
// the configured match text.
func (c *Client) OrganizationID(ctx context.Context, accessToken string) (int64, error) {
	c.log.Debug("getting organization_id", slog.String("match", c.orgMatch))

	query := url.Values{}
	for page := 0; page < maxPages; page++ {
		var resp organizationsResponse
		if err := c.get(ctx, accessToken, "/v2/organizations", query, &resp); err != nil {
			return 0, err
		}
		for _, org := range resp.Organizations {
			if strings.Contains(org.Name, c.orgMatch) {
				return org.ID, nil
			}
		}
		if resp.Pagination == nil || resp.Pagination.NextPageStartID == 0 {
			break
		}
		query.Set("page_start_id", strconv.FormatInt(resp.Pagination.NextPageStartID, 10))
	}
	return 0, fmt.Errorf("%w: no organization name contains %q", ErrNotFound, c.orgMatch)
}

// BillableSeconds sums the billable field of every daily activity record of
// userID in orgID on day. No records is not an error.
func (c *Client) BillableSeconds(ctx context.Context, accessToken string, userID, orgID int64, day time.Time) (int64, error) {
	date := day.Format(timecalc.DateLayout)
	c.log.Debug("getting billable activity", slog.String("date", date))

	query := url.Values{}
	query.Set("date[start]", date)
	query.Set("date[stop]", date)
	query.Set("user_ids", strconv.FormatInt(userID, 10))
	query.Set("include", "users")

	path := fmt.Sprintf("/v2/organizations/%d/activities/daily", orgID)

	var total int64
	for page := 0; page < maxPages; page++ {
		var resp dailyActivitiesResponse
		if err := c.get(ctx, accessToken, path, query, &resp); err != nil {
			return 0, err
		}
		for _, a := range resp.DailyActivities {
			total += a.Billable
		}
		if resp.Pagination == nil || resp.Pagination.NextPageStartID == 0 {
			break
		}
		query.Set("page_start_id", strconv.FormatInt(resp.Pagination.NextPageStartID, 10))
	}
	return total, nil
}

// Resolve looks up both identifiers.
func (c *Client) Resolve(ctx context.Context, accessToken string) (model.Identifiers, error) {
	userID, err := c.UserID(ctx, accessToken)
	if err != nil {
		return model.Identifiers{}, err
	}
	orgID, err := c.OrganizationID(ctx, accessToken)
	if err != nil {
		return model.Identifiers{}, err
	}
	return model.Identifiers{UserID: userID, OrganizationID: orgID}, nil
}

// Snapshot fetches the billable total for day as an ActivitySnapshot.
func (c *Client) Snapshot(ctx context.Context, accessToken string, ids model.Identifiers, day time.Time) (model.ActivitySnapshot, error) {
	secs, err := c.BillableSeconds(ctx, accessToken, ids.UserID, ids.OrganizationID, day)
	if err != nil {
		return model.ActivitySnapshot{}, err
	}
	return model.ActivitySnapshot{Date: timecalc.StartOfDay(day), BillableSeconds: secs}, nil
}

// get performs an authenticated GET and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, accessToken, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("%w: base url: %w", ErrNetwork, err)
	}
	u.Path += path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: creating request: %w", ErrNetwork, err)
	}
	req.Header.Set("Accept", "application/json")
	(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}).SetAuthHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: GET %s", ErrAuth, path)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: GET %s: unexpected status %d: %s", ErrNetwork, path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s: %w", ErrNetwork, path, err)
	}
	return nil
}
