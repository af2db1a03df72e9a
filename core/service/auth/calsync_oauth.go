package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"calsync_server/core/domain"
	"calsync_server/core/port/out"
	"calsync_server/pkg/apperr"
	"calsync_server/pkg/cache"
	"calsync_server/pkg/httputil"
	"calsync_server/pkg/logger"
)

const calendarEventsScope = "https://www.googleapis.com/auth/calendar.events"

// tokenCacheSlack keeps cached tokens comfortably inside their validity
// window.
const tokenCacheSlack = 30 * time.Second

// OAuthService implements out.TokenPort against Google's OAuth endpoints.
// Credentials are per site; the service itself holds no client id/secret.
type OAuthService struct {
	tokenURL   string // override for tests; empty means Google's endpoint
	httpClient *http.Client
	tokenCache *cache.RedisCache
	cacheTTL   time.Duration
}

// OAuthOption configures the service.
type OAuthOption func(*OAuthService)

// WithTokenURL points token requests at a custom endpoint.
func WithTokenURL(url string) OAuthOption {
	return func(s *OAuthService) { s.tokenURL = url }
}

// WithTokenCache enables the short-TTL per-site access token cache.
func WithTokenCache(c *cache.RedisCache, ttl time.Duration) OAuthOption {
	return func(s *OAuthService) {
		s.tokenCache = c
		s.cacheTTL = ttl
	}
}

func NewOAuthService(opts ...OAuthOption) *OAuthService {
	s := &OAuthService{
		httpClient: httputil.GoogleClient(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *OAuthService) endpoint() oauth2.Endpoint {
	if s.tokenURL != "" {
		// Match google.Endpoint's auth style; leaving it unset makes the
		// oauth2 library probe both styles, doubling requests on failure.
		return oauth2.Endpoint{AuthURL: s.tokenURL, TokenURL: s.tokenURL, AuthStyle: oauth2.AuthStyleInParams}
	}
	return google.Endpoint
}

func (s *OAuthService) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
}

// ExchangeCode trades an authorization code for tokens. The refresh token
// arrives only on first consent, so a transient provider failure here is
// retried once before the link is reported failed.
func (s *OAuthService) ExchangeCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*domain.OAuthToken, error) {
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       []string{calendarEventsScope},
		Endpoint:     s.endpoint(),
	}

	octx := s.oauthContext(ctx)
	token, err := cfg.Exchange(octx, code)
	if err != nil && isTransient(err) {
		logger.WithError(err).Warn("token exchange failed transiently, link pending; retrying once")
		token, err = cfg.Exchange(octx, code)
	}
	if err != nil {
		return nil, apperr.TokenGeneration(fmt.Errorf("exchange authorization code: %w", err))
	}
	return fromOAuth2Token(token), nil
}

// Refresh trades the site's refresh token for a fresh access token. With a
// cache configured, tokens are reused across pipeline runs for the same
// site until shortly before expiry.
func (s *OAuthService) Refresh(ctx context.Context, siteID int64, creds domain.GoogleCredentials) (*domain.OAuthToken, error) {
	cacheKey := fmt.Sprintf("oauth:access:site:%d", siteID)

	if s.tokenCache != nil && s.cacheTTL > 0 {
		var cached domain.OAuthToken
		hit, err := s.tokenCache.GetJSON(ctx, cacheKey, &cached)
		if err != nil {
			logger.WithError(err).Warn("token cache read failed for site %d", siteID)
		} else if hit && cached.AccessToken != "" {
			return &cached, nil
		}
	}

	cfg := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Scopes:       []string{calendarEventsScope},
		Endpoint:     s.endpoint(),
	}

	src := cfg.TokenSource(s.oauthContext(ctx), &oauth2.Token{RefreshToken: creds.RefreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, apperr.TokenGeneration(fmt.Errorf("refresh access token: %w", err))
	}

	result := fromOAuth2Token(token)

	if s.tokenCache != nil && s.cacheTTL > 0 {
		ttl := s.cacheTTL
		if until := time.Until(token.Expiry) - tokenCacheSlack; until > 0 && until < ttl {
			ttl = until
		}
		if ttl > 0 {
			if err := s.tokenCache.SetJSON(ctx, cacheKey, result, ttl); err != nil {
				logger.WithError(err).Warn("token cache write failed for site %d", siteID)
			}
		}
	}

	return result, nil
}

func fromOAuth2Token(token *oauth2.Token) *domain.OAuthToken {
	expiresIn := 0
	if !token.Expiry.IsZero() {
		expiresIn = int(time.Until(token.Expiry).Seconds())
	}
	return &domain.OAuthToken{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiresIn:    expiresIn,
	}
}

// isTransient reports whether an exchange failure is worth one retry:
// transport errors and provider 5xx responses.
func isTransient(err error) bool {
	if rerr, ok := err.(*oauth2.RetrieveError); ok {
		return rerr.Response != nil && rerr.Response.StatusCode >= 500
	}
	// No HTTP response at all means the transport failed.
	return true
}

var _ out.TokenPort = (*OAuthService)(nil)
