package services

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/soaringjerry/Cohort/internal/models"
)

// RestyForwardingClient posts deliveries to partner endpoints. OAuth bearer
// tokens are cached per container until the endpoint answers 401 or the
// container's OAuth settings change.
type RestyForwardingClient struct {
	http   *resty.Client
	logger *zap.Logger

	mu     sync.Mutex
	tokens map[string]cachedBearer
}

// cachedBearer remembers which settings a token was issued under. A token is
// only reused for the exact endpoint, field and credentials it came from.
type cachedBearer struct {
	fingerprint [sha256.Size]byte
	token       string
}

func bearerFingerprint(cfg *models.ForwardingConfig) [sha256.Size]byte {
	h := sha256.New()
	for _, v := range []string{cfg.TokenRequestURL, cfg.TokenField, cfg.Username, cfg.Password, cfg.Header, cfg.OAuthURL} {
		h.Write([]byte(v))
		h.Write([]byte{0})
	}
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

func NewForwardingClient(timeout time.Duration, logger *zap.Logger) *RestyForwardingClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(1*time.Second).
		SetRetryMaxWaitTime(5*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &RestyForwardingClient{http: client, logger: logger, tokens: map[string]cachedBearer{}}
}

func (c *RestyForwardingClient) Forward(ctx context.Context, cfg *models.ForwardingConfig, d *ForwardingDelivery) error {
	switch cfg.Mode {
	case models.ForwardingBasic:
		resp, err := c.http.R().
			SetContext(ctx).
			SetBasicAuth(cfg.Username, cfg.Password).
			SetBody(d).
			Post(cfg.BasicURL)
		return c.check(resp, err, cfg.BasicURL, d.ResponseID)
	case models.ForwardingOAuth:
		resp, err := c.postOAuth(ctx, cfg, d, false)
		if err == nil && resp.StatusCode() == http.StatusUnauthorized {
			resp, err = c.postOAuth(ctx, cfg, d, true)
		}
		return c.check(resp, err, cfg.OAuthURL, d.ResponseID)
	}
	return errForwardingDisabled
}

func (c *RestyForwardingClient) postOAuth(ctx context.Context, cfg *models.ForwardingConfig, d *ForwardingDelivery, refresh bool) (*resty.Response, error) {
	token, err := c.bearer(ctx, cfg, refresh)
	if err != nil {
		return nil, err
	}
	return c.http.R().
		SetContext(ctx).
		SetHeader(cfg.Header, "Bearer "+token).
		SetBody(d).
		Post(cfg.OAuthURL)
}

func (c *RestyForwardingClient) check(resp *resty.Response, err error, url string, responseID int64) error {
	if err != nil {
		c.logger.Error("partner delivery failed", zap.String("url", url), zap.Int64("response_id", responseID), zap.Error(err))
		return fmt.Errorf("post %s: %w", url, err)
	}
	if !resp.IsSuccess() {
		c.logger.Error("partner rejected delivery",
			zap.String("url", url),
			zap.Int64("response_id", responseID),
			zap.Int("status_code", resp.StatusCode()),
		)
		return fmt.Errorf("post %s: status %d", url, resp.StatusCode())
	}
	return nil
}

// bearer returns the cached token for the container or requests a new one
// from the token endpoint and reads cfg.TokenField from its JSON body.
func (c *RestyForwardingClient) bearer(ctx context.Context, cfg *models.ForwardingConfig, refresh bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fp := bearerFingerprint(cfg)
	if cached, ok := c.tokens[cfg.Container]; ok && !refresh && cached.fingerprint == fp {
		return cached.token, nil
	}
	// Whatever was cached belongs to other settings or was rejected.
	delete(c.tokens, cfg.Container)
	req := c.http.R().SetContext(ctx)
	if cfg.Username != "" {
		req = req.SetBasicAuth(cfg.Username, cfg.Password)
	}
	resp, err := req.Post(cfg.TokenRequestURL)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("token request: status %d", resp.StatusCode())
	}
	var body map[string]any
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", fmt.Errorf("token response: %w", err)
	}
	tok, _ := body[cfg.TokenField].(string)
	if tok == "" {
		return "", fmt.Errorf("token response has no %q field", cfg.TokenField)
	}
	c.tokens[cfg.Container] = cachedBearer{fingerprint: fp, token: tok}
	c.logger.Debug("obtained partner bearer token", zap.String("container", cfg.Container))
	return tok, nil
}

var _ ForwardingClient = (*RestyForwardingClient)(nil)
