package twitter

import (
	"net/url"

	"github.com/google/uuid"

	"gmcoin.meme/gm-verify/internal/pkce"
	"gmcoin.meme/gm-verify/internal/session"
	"gmcoin.meme/gm-verify/pkg/errors"
	"gmcoin.meme/gm-verify/pkg/log"
)

const authorizeEndpoint = "https://twitter.com/i/oauth2/authorize"

// OAuth drives the PKCE side of the twitter authorization handshake. It only
// builds the outgoing authorize URL and accepts the returned code, the
// redirect itself happens in the user's browser.
type OAuth struct {
	clientID    string
	redirectURI string
	scopes      string
	volatile    session.Store
}

func NewOAuth(clientID, redirectURI, scopes string, volatile session.Store) *OAuth {
	if clientID == "" {
		panic("twitter client id not configured")
	}
	return &OAuth{
		clientID:    clientID,
		redirectURI: redirectURI,
		scopes:      scopes,
		volatile:    volatile,
	}
}

// BeginAuthorization generates a fresh verifier, stores it in the volatile
// scope and returns the authorize URL to send the user to. Any previous
// code/verifier pair is discarded first.
func (in *OAuth) BeginAuthorization() (string, error) {
	in.volatile.Remove(session.KeyAuthCode)
	in.volatile.Remove(session.KeyCodeVerifier)

	verifier, err := pkce.GenerateVerifier()
	if err != nil {
		return "", err
	}
	in.volatile.Set(session.KeyCodeVerifier, verifier)
	challenge := pkce.DeriveChallenge(verifier)

	query := url.Values{}
	query.Set("response_type", "code")
	query.Set("client_id", in.clientID)
	query.Set("redirect_uri", in.redirectURI)
	query.Set("scope", in.scopes)
	query.Set("state", uuid.NewString())
	query.Set("code_challenge", challenge)
	query.Set("code_challenge_method", "S256")
	return authorizeEndpoint + "?" + query.Encode(), nil
}

// AcceptCallback reads the authorization code from the redirect URL exactly
// once, stores it in the volatile scope and returns the URL with the code
// stripped, for the caller to rewrite the location with.
func (in *OAuth) AcceptCallback(rawURL string) (code string, cleanURL string, err error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", "", errors.Wrap(err, "parse callback url")
	}
	query := parsed.Query()
	code = query.Get("code")
	if code == "" {
		return "", rawURL, errors.New("authorization code not present in callback")
	}
	in.volatile.Set(session.KeyAuthCode, code)
	log.Info("authorization code received from twitter redirect")

	query.Del("code")
	query.Del("state")
	parsed.RawQuery = query.Encode()
	return code, parsed.String(), nil
}

// Authorized reports whether a code/verifier pair is waiting in the volatile
// scope, either freshly returned or surviving from a prior reload.
func (in *OAuth) Authorized() bool {
	return in.volatile.Get(session.KeyAuthCode) != "" &&
		in.volatile.Get(session.KeyCodeVerifier) != ""
}
