package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/pkg/errors"

	"github.com/bibin-skaria/ocirootfs/digest"
	ierrors "github.com/bibin-skaria/ocirootfs/internal/errors"
	"github.com/bibin-skaria/ocirootfs/manifest"
)

// manifestAccept lists the manifest types requested from the registry
var manifestAccept = strings.Join([]string{
	manifest.MediaTypeDockerManifest + "+json",
	manifest.MediaTypeDockerManifestList + "+json",
	manifest.MediaTypeOCIManifest + "+json",
	manifest.MediaTypeOCIManifestList + "+json",
	"application/vnd.docker.distribution.manifest.v1+prettyjws",
	"application/vnd.docker.distribution.manifest.v1+json",
}, ", ")

// HTTPClient speaks the Registry V2 HTTP API directly. It handles the
// bearer token challenge and caches one token per repository scope.
type HTTPClient struct {
	options *Options
	client  *resty.Client

	mu     sync.Mutex
	tokens map[string]string
}

// NewHTTPClient creates a resty-backed client
func NewHTTPClient(options *Options) *HTTPClient {
	options = options.withDefaults()

	client := resty.New().
		SetHeader("User-Agent", options.UserAgent)
	if options.Transport != nil {
		client.SetTransport(options.Transport)
	}

	return &HTTPClient{
		options: options,
		client:  client,
		tokens:  make(map[string]string),
	}
}

// FetchManifest implements Fetcher
func (c *HTTPClient) FetchManifest(ctx context.Context, repo, reference string) ([]byte, error) {
	r, err := c.repository(repo)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var data []byte
	err = ierrors.RetryWithContext(ctx, c.options.Retry, "fetch_manifest", func() error {
		reqCtx, cancel := context.WithTimeout(ctx, c.options.Timeout)
		defer cancel()

		resp, err := c.get(reqCtx, r, "manifests/"+reference, manifestAccept, false)
		if err != nil {
			return err
		}
		data = resp.Body()
		return nil
	})
	c.options.Logger.LogRegistryOperation(ctx, "fetch_manifest", r.RegistryStr(), r.Name()+":"+reference, err == nil, time.Since(start))
	if err != nil {
		return nil, err
	}
	return data, nil
}

// FetchBlob implements Fetcher. The returned stream is not verified.
func (c *HTTPClient) FetchBlob(ctx context.Context, repo string, d digest.Digest) (io.ReadCloser, error) {
	r, err := c.repository(repo)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var body io.ReadCloser
	err = ierrors.RetryWithContext(ctx, c.options.Retry, "fetch_blob", func() error {
		resp, err := c.get(ctx, r, "blobs/"+d.String(), "", true)
		if err != nil {
			return err
		}
		body = resp.RawBody()
		return nil
	})
	c.options.Logger.LogRegistryOperation(ctx, "fetch_blob", r.RegistryStr(), r.Name()+"@"+d.String(), err == nil, time.Since(start))
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *HTTPClient) repository(repo string) (name.Repository, error) {
	var opts []name.Option
	if r, err := name.NewRepository(repo); err == nil && c.options.IsInsecure(r.RegistryStr()) {
		opts = append(opts, name.Insecure)
	}

	r, err := name.NewRepository(repo, opts...)
	if err != nil {
		return name.Repository{}, &RegistryError{
			Type:      ErrorTypeValidation,
			Operation: "parse_reference",
			Message:   fmt.Sprintf("invalid repository: %v", err),
			Cause:     err,
		}
	}
	return r, nil
}

// get issues a GET below /v2/<repo>/. A 401 with a bearer challenge is
// answered once with a fresh token. When stream is set the body is left
// unread and must be closed by the caller on success.
func (c *HTTPClient) get(ctx context.Context, r name.Repository, path, accept string, stream bool) (*resty.Response, error) {
	url := fmt.Sprintf("%s://%s/v2/%s/%s", r.Scheme(), r.RegistryStr(), r.RepositoryStr(), path)
	scope := r.Scope("pull")

	resp, err := c.do(ctx, url, accept, scope, stream)
	if err != nil {
		return nil, c.networkError(r, err)
	}

	if resp.StatusCode() == http.StatusUnauthorized {
		challenge := resp.Header().Get("Www-Authenticate")
		drain(resp, stream)

		if err := c.authenticate(ctx, challenge, scope); err != nil {
			return nil, err
		}
		resp, err = c.do(ctx, url, accept, scope, stream)
		if err != nil {
			return nil, c.networkError(r, err)
		}
	}

	if resp.StatusCode() != http.StatusOK {
		status := resp.StatusCode()
		msg := resp.Status()
		if !stream {
			msg = fmt.Sprintf("%s: %s", msg, strings.TrimSpace(resp.String()))
		}
		drain(resp, stream)

		return nil, &RegistryError{
			Type:       errorTypeForStatus(status),
			Operation:  "get " + path,
			Registry:   r.RegistryStr(),
			StatusCode: status,
			Message:    msg,
		}
	}
	return resp, nil
}

func (c *HTTPClient) do(ctx context.Context, url, accept, scope string, stream bool) (*resty.Response, error) {
	req := c.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(stream)
	if accept != "" {
		req.SetHeader("Accept", accept)
	}
	if token := c.token(scope); token != "" {
		req.SetAuthToken(token)
	} else if c.options.Username != "" {
		req.SetBasicAuth(c.options.Username, c.options.Password)
	}
	return req.Get(url)
}

func (c *HTTPClient) networkError(r name.Repository, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &RegistryError{
		Type:     ErrorTypeNetwork,
		Registry: r.RegistryStr(),
		Message:  err.Error(),
		Cause:    err,
	}
}

func drain(resp *resty.Response, stream bool) {
	if stream && resp.RawBody() != nil {
		resp.RawBody().Close()
	}
}

func (c *HTTPClient) token(scope string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens[scope]
}

// Challenge is a parsed Www-Authenticate header
type Challenge struct {
	Scheme string
	Params map[string]string
}

var challengeParam = regexp.MustCompile(`(\w+)="([^"]*)"`)

// ParseChallenge parses a Www-Authenticate header value
func ParseChallenge(header string) (Challenge, error) {
	header = strings.TrimSpace(header)
	parts := strings.SplitN(header, " ", 2)
	if parts[0] == "" {
		return Challenge{}, errors.New("empty authentication challenge")
	}

	c := Challenge{
		Scheme: strings.ToLower(parts[0]),
		Params: make(map[string]string),
	}
	if len(parts) == 2 {
		for _, m := range challengeParam.FindAllStringSubmatch(parts[1], -1) {
			c.Params[strings.ToLower(m[1])] = m[2]
		}
	}
	return c, nil
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

// authenticate answers a bearer challenge and caches the token for scope
func (c *HTTPClient) authenticate(ctx context.Context, header, scope string) error {
	challenge, err := ParseChallenge(header)
	if err != nil {
		return &RegistryError{Type: ErrorTypeAuthentication, Operation: "authenticate", Message: err.Error(), Cause: err}
	}
	if challenge.Scheme != "bearer" {
		return &RegistryError{
			Type:      ErrorTypeAuthentication,
			Operation: "authenticate",
			Message:   fmt.Sprintf("unsupported authentication scheme %q", challenge.Scheme),
		}
	}
	realm := challenge.Params["realm"]
	if realm == "" {
		return &RegistryError{Type: ErrorTypeAuthentication, Operation: "authenticate", Message: "bearer challenge without realm"}
	}

	requested := scope
	if s := challenge.Params["scope"]; s != "" {
		requested = s
	}

	req := c.client.R().
		SetContext(ctx).
		SetQueryParam("scope", requested)
	if service := challenge.Params["service"]; service != "" {
		req.SetQueryParam("service", service)
	}
	if c.options.Username != "" {
		req.SetQueryParam("account", c.options.Username).
			SetBasicAuth(c.options.Username, c.options.Password)
	}

	resp, err := req.Get(realm)
	if err != nil {
		return &RegistryError{
			Type:      ErrorTypeNetwork,
			Operation: "authenticate",
			Message:   err.Error(),
			Cause:     errors.Wrapf(err, "token request to %s", realm),
		}
	}
	if resp.StatusCode() != http.StatusOK {
		return &RegistryError{
			Type:       errorTypeForStatus(resp.StatusCode()),
			Operation:  "authenticate",
			StatusCode: resp.StatusCode(),
			Message:    fmt.Sprintf("token request to %s: %s", realm, resp.Status()),
		}
	}

	var content tokenResponse
	if err := json.Unmarshal(resp.Body(), &content); err != nil {
		return &RegistryError{
			Type:      ErrorTypeAuthentication,
			Operation: "authenticate",
			Message:   "malformed token response",
			Cause:     errors.Wrap(err, "decode token response"),
		}
	}
	token := content.Token
	if token == "" {
		token = content.AccessToken
	}
	if token == "" {
		return &RegistryError{Type: ErrorTypeAuthentication, Operation: "authenticate", Message: "token response carries no token"}
	}

	c.mu.Lock()
	c.tokens[scope] = token
	c.mu.Unlock()
	return nil
}
