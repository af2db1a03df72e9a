package domain

// OAuthToken carries the result of a code exchange or refresh.
type OAuthToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// OAuthState is the JSON object the provider echoes back through the
// `state` query parameter on the link callback.
type OAuthState struct {
	CurrentURL   string `json:"currentUrl"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RedirectURI  string `json:"redirectUri"`
	SiteID       int64  `json:"siteId,omitempty"`
}

// GoogleCredentials is the resolved OAuth credential set for one site.
type GoogleCredentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}
