package server

import "time"

// TokenPayload is the plaintext sealed into the token cookie.
type TokenPayload struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token,omitempty"`
	TokenType        string    `json:"token_type,omitempty"`
	Scope            string    `json:"scope,omitempty"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at,omitzero"`
}

// Expired reports whether the access token is past expiry or inside margin of it.
func (p TokenPayload) Expired(now time.Time, margin time.Duration) bool {
	return !now.Add(margin).Before(p.ExpiresAt)
}

// CanRefresh reports whether a refresh is worth attempting at now.
func (p TokenPayload) CanRefresh(now time.Time) bool {
	if p.RefreshToken == "" {
		return false
	}
	return p.RefreshExpiresAt.IsZero() || now.Before(p.RefreshExpiresAt)
}

// UpstreamTokenResponse is what the upstream token endpoint hands back.
type UpstreamTokenResponse struct {
	AccessToken      string
	RefreshToken     string
	TokenType        string
	Scope            string
	ExpiresIn        int64
	RefreshExpiresIn int64
}

// payloadFrom converts a token response into a cookie payload anchored at now.
// previousRefresh is kept when the upstream does not rotate the refresh token.
func payloadFrom(resp UpstreamTokenResponse, now time.Time, previous TokenPayload) TokenPayload {
	p := TokenPayload{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    resp.TokenType,
		Scope:        resp.Scope,
		ExpiresAt:    now.Add(time.Duration(resp.ExpiresIn) * time.Second),
	}
	if resp.RefreshExpiresIn > 0 {
		p.RefreshExpiresAt = now.Add(time.Duration(resp.RefreshExpiresIn) * time.Second)
	}
	if p.RefreshToken == "" && previous.RefreshToken != "" {
		p.RefreshToken = previous.RefreshToken
		p.RefreshExpiresAt = previous.RefreshExpiresAt
	}
	if p.Scope == "" {
		p.Scope = previous.Scope
	}
	return p
}

// LoginStart is returned by /auth/login.
type LoginStart struct {
	RedirectURL string `json:"redirect_url"`
	State       string `json:"state"`
}
