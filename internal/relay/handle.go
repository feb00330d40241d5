package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"

	"github.com/tidwall/gjson"

	"gmcoin.meme/gm-verify/internal/session"
	"gmcoin.meme/gm-verify/pkg/errors"
	"gmcoin.meme/gm-verify/pkg/log"
)

// PlaceholderHandle is shown when the handle resolution endpoint degrades.
const PlaceholderHandle = "twitter user"

// HandleResolver exchanges the authorization code for the user's twitter
// handle through the token endpoint. Resolution failures are never fatal to
// the flow, they degrade to PlaceholderHandle.
type HandleResolver struct {
	tokenURL   string
	httpClient *http.Client
	durable    session.Store
}

func NewHandleResolver(tokenURL string, durable session.Store) *HandleResolver {
	return &HandleResolver{
		tokenURL: tokenURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		durable: durable,
	}
}

// Resolve returns the twitter handle for the code/verifier pair and persists
// it in the durable scope.
func (in *HandleResolver) Resolve(ctx context.Context, authCode, verifier string) string {
	handle, err := in.fetch(ctx, authCode, verifier)
	if err != nil {
		log.Warnf("resolve twitter handle:%v", err)
		return PlaceholderHandle
	}
	in.durable.Set(session.KeyTwitterName, handle)
	return handle
}

func (in *HandleResolver) fetch(ctx context.Context, authCode, verifier string) (string, error) {
	if in.tokenURL == "" {
		return "", errors.New("token url not configured")
	}
	body, err := json.Marshal(map[string]string{
		"authCode": authCode,
		"verifier": verifier,
	})
	if err != nil {
		return "", errors.WrapAndReport(err, "marshal token request body")
	}
	post, err := http.NewRequestWithContext(ctx, http.MethodPost, in.tokenURL, bytes.NewReader(body))
	if err != nil {
		return "", errors.WrapAndReport(err, "create token request")
	}
	post.Header.Set("Content-Type", "application/json")
	response, err := in.httpClient.Do(post)
	if err != nil {
		return "", errors.Wrap(err, "send token request")
	}
	defer response.Body.Close()
	result, err := ioutil.ReadAll(response.Body)
	if err != nil {
		return "", errors.Wrap(err, "read token response")
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return "", errors.Errorf("token endpoint answered %v", response.StatusCode)
	}
	handle := gjson.GetBytes(result, "username").String()
	if handle == "" {
		handle = gjson.GetBytes(result, "twitterName").String()
	}
	if handle == "" {
		return "", errors.Errorf("handle not found in response %v", string(result))
	}
	return handle, nil
}
