package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/go-redis/redis_rate/v9"

	"gmcoin.meme/gm-verify/internal/session"
	"gmcoin.meme/gm-verify/pkg/errors"
	"gmcoin.meme/gm-verify/pkg/log"
)

var (
	// ErrService marks a reachable relay answering with a failure: the relay
	// path should be retried, the rest of the flow state can stay as is.
	ErrService = errors.New("relay service error")

	// ErrUnreachable marks a transport-level failure before any relay answer.
	ErrUnreachable = errors.New("relay service unreachable")
)

// Client submits a signed verification attestation to the relay, which pays
// the gas and sends the transaction on the user's behalf.
type Client interface {
	Submit(ctx context.Context, req *SubmitRequest) (*Ack, error)
}

// SubmitRequest is the relay wire body. Wallet indexes the rate limit and is
// not serialized.
type SubmitRequest struct {
	Signature  string `json:"signature"`
	AuthCode   string `json:"authCode"`
	Verifier   string `json:"verifier"`
	AutoFollow bool   `json:"autoFollow"`

	Wallet string `json:"-"`
}

// Ack is the relay acknowledgment. The body carries no information the flow
// needs, it is kept for logging only.
type Ack struct {
	Raw json.RawMessage
}

const defaultTimeout = time.Second * 30

// submissions per wallet per minute before the limiter pushes back
var submitRate = redis_rate.PerMinute(6)

type client struct {
	submitURL  string
	httpClient *http.Client
}

func NewClient(submitURL string) Client {
	if submitURL == "" {
		panic("relay submit url not configured")
	}
	return &client{
		submitURL: submitURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

func (in *client) Submit(ctx context.Context, req *SubmitRequest) (*Ack, error) {
	if err := in.allow(ctx, req.Wallet); err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.WrapAndReport(err, "marshal relay submit body")
	}
	post, err := http.NewRequestWithContext(ctx, http.MethodPost, in.submitURL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.WrapAndReport(err, "create relay submit request")
	}
	post.Header.Set("Content-Type", "application/json")
	response, err := in.httpClient.Do(post)
	if err != nil {
		return nil, errors.Wrapf(ErrUnreachable, "send to relay:%v", err)
	}
	defer response.Body.Close()
	result, err := ioutil.ReadAll(response.Body)
	if err != nil {
		return nil, errors.Wrapf(ErrUnreachable, "read relay response:%v", err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, errors.Wrapf(ErrService, "relay answered %v: %v",
			response.StatusCode, string(result))
	}
	log.Debugf("relay accepted submission for %v", req.Wallet)
	return &Ack{Raw: result}, nil
}

// allow consults the per-wallet submission limiter. Without redis the
// limiter is absent and submissions pass through.
func (in *client) allow(ctx context.Context, wallet string) error {
	limiter := session.RateLimiter
	if limiter == nil || wallet == "" {
		return nil
	}
	res, err := limiter.Allow(ctx, "gm-verify:relay:"+wallet, submitRate)
	if err != nil {
		log.Warnf("relay rate limiter:%v", err)
		return nil
	}
	if res.Allowed == 0 {
		return errors.Wrapf(ErrService, "too many relay submissions, retry in %v", res.RetryAfter)
	}
	return nil
}
