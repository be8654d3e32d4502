package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2"
)

// XOAuth2 is the SASL mechanism name used by Gmail and Outlook.
const XOAuth2 = "XOAUTH2"

type xoauth2Client struct {
	user, token string
}

// NewXOAuth2Client returns a SASL client sending
// "user=<addr>\x01auth=Bearer <token>\x01\x01".
func NewXOAuth2Client(user, token string) sasl.Client {
	return &xoauth2Client{user: user, token: token}
}

func (a *xoauth2Client) Start() (string, []byte, error) {
	return XOAuth2, []byte("user=" + a.user + "\x01auth=Bearer " + a.token + "\x01\x01"), nil
}

// The server sends a JSON error as a challenge; an empty reply lets it
// finish with NO.
func (a *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}

// OAuthAuth exchanges each tenant's refresh token for an access token and
// authenticates with XOAUTH2. Token sources are cached per address so access
// tokens are reused until they expire.
type OAuthAuth struct {
	Config *oauth2.Config

	mu      sync.Mutex
	sources map[string]cachedSource
}

type cachedSource struct {
	refresh string
	src     oauth2.TokenSource
}

// NewOAuthAuth builds an authenticator for the given client and token URL.
func NewOAuthAuth(clientID, clientSecret, tokenURL string, scopes []string) *OAuthAuth {
	return &OAuthAuth{Config: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		Scopes:       scopes,
	}}
}

// Token returns a valid access token for creds.
func (a *OAuthAuth) Token(ctx context.Context, creds Credentials) (string, error) {
	if a.Config == nil {
		return "", errors.New("oauth2 config missing")
	}
	a.mu.Lock()
	if a.sources == nil {
		a.sources = make(map[string]cachedSource)
	}
	cs, ok := a.sources[creds.Address]
	if !ok || cs.refresh != creds.Secret {
		base := a.Config.TokenSource(context.WithoutCancel(ctx), &oauth2.Token{RefreshToken: creds.Secret})
		cs = cachedSource{refresh: creds.Secret, src: oauth2.ReuseTokenSource(nil, base)}
		a.sources[creds.Address] = cs
	}
	a.mu.Unlock()

	tok, err := cs.src.Token()
	if err != nil {
		a.mu.Lock()
		delete(a.sources, creds.Address)
		a.mu.Unlock()
		return "", fmt.Errorf("oauth2 token for %s: %w", creds.Address, err)
	}
	return tok.AccessToken, nil
}

func (a *OAuthAuth) Authenticate(ctx context.Context, c *client.Client, creds Credentials) error {
	token, err := a.Token(ctx, creds)
	if err != nil {
		return err
	}
	return c.Authenticate(NewXOAuth2Client(creds.Address, token))
}
