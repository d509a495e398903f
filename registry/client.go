package registry

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"

	"github.com/bibin-skaria/ocirootfs/digest"
	"github.com/bibin-skaria/ocirootfs/internal/errors"
)

// Client fetches content through go-containerregistry. Credentials come
// from the Docker keychain unless Options carries a username.
type Client struct {
	options *Options
	auth    authn.Keychain
}

// NewClient creates a new registry client with the given options
func NewClient(options *Options) *Client {
	options = options.withDefaults()

	c := &Client{
		options: options,
		auth:    authn.DefaultKeychain,
	}
	if options.Username != "" {
		c.auth = staticKeychain{authn.FromConfig(authn.AuthConfig{
			Username: options.Username,
			Password: options.Password,
		})}
	}
	return c
}

type staticKeychain struct {
	authn.Authenticator
}

func (k staticKeychain) Resolve(authn.Resource) (authn.Authenticator, error) {
	return k.Authenticator, nil
}

// FetchManifest implements Fetcher. The manifest bytes are returned exactly
// as served.
func (c *Client) FetchManifest(ctx context.Context, repo, reference string) ([]byte, error) {
	ref, err := c.reference(repo, reference)
	if err != nil {
		return nil, err
	}
	registry := ref.Context().RegistryStr()

	start := time.Now()
	var data []byte
	err = errors.RetryWithContext(ctx, c.options.Retry, "fetch_manifest", func() error {
		reqCtx, cancel := context.WithTimeout(ctx, c.options.Timeout)
		defer cancel()

		desc, err := remote.Get(ref, c.remoteOptions(reqCtx, registry)...)
		if err != nil {
			return c.wrap("fetch_manifest", registry, err)
		}
		data = desc.Manifest
		return nil
	})
	c.options.Logger.LogRegistryOperation(ctx, "fetch_manifest", registry, ref.String(), err == nil, time.Since(start))
	if err != nil {
		return nil, err
	}
	return data, nil
}

// FetchBlob implements Fetcher. The stream is the compressed blob; callers
// verify it against d.
func (c *Client) FetchBlob(ctx context.Context, repo string, d digest.Digest) (io.ReadCloser, error) {
	ref, err := name.NewDigest(repo+"@"+d.String(), c.nameOptions(repo)...)
	if err != nil {
		return nil, &RegistryError{
			Type:      ErrorTypeValidation,
			Operation: "parse_reference",
			Message:   fmt.Sprintf("invalid blob reference: %v", err),
			Cause:     err,
		}
	}
	registry := ref.Context().RegistryStr()

	start := time.Now()
	var rc io.ReadCloser
	err = errors.RetryWithContext(ctx, c.options.Retry, "fetch_blob", func() error {
		layer, err := remote.Layer(ref, c.remoteOptions(ctx, registry)...)
		if err != nil {
			return c.wrap("fetch_blob", registry, err)
		}
		rc, err = layer.Compressed()
		if err != nil {
			return c.wrap("fetch_blob", registry, err)
		}
		return nil
	})
	c.options.Logger.LogRegistryOperation(ctx, "fetch_blob", registry, ref.String(), err == nil, time.Since(start))
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (c *Client) reference(repo, reference string) (name.Reference, error) {
	var (
		ref name.Reference
		err error
	)
	if isDigestReference(reference) {
		ref, err = name.NewDigest(repo+"@"+reference, c.nameOptions(repo)...)
	} else {
		ref, err = name.NewTag(repo+":"+reference, c.nameOptions(repo)...)
	}
	if err != nil {
		return nil, &RegistryError{
			Type:      ErrorTypeValidation,
			Operation: "parse_reference",
			Message:   fmt.Sprintf("invalid image reference: %v", err),
			Cause:     err,
		}
	}
	return ref, nil
}

func (c *Client) nameOptions(repo string) []name.Option {
	r, err := name.NewRepository(repo)
	if err == nil && c.options.IsInsecure(r.RegistryStr()) {
		return []name.Option{name.Insecure}
	}
	return nil
}

func (c *Client) remoteOptions(ctx context.Context, registry string) []remote.Option {
	opts := []remote.Option{
		remote.WithAuthFromKeychain(c.auth),
		remote.WithContext(ctx),
		remote.WithUserAgent(c.options.UserAgent),
	}

	switch {
	case c.options.Transport != nil:
		opts = append(opts, remote.WithTransport(c.options.Transport))
	case c.options.IsInsecure(registry):
		if base, ok := remote.DefaultTransport.(*http.Transport); ok {
			tr := base.Clone()
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
			opts = append(opts, remote.WithTransport(tr))
		}
	}
	return opts
}

// wrap classifies a go-containerregistry error
func (c *Client) wrap(operation, registry string, err error) error {
	var terr *transport.Error
	if stderrors.As(err, &terr) {
		return &RegistryError{
			Type:       errorTypeForStatus(terr.StatusCode),
			Operation:  operation,
			Registry:   registry,
			StatusCode: terr.StatusCode,
			Message:    terr.Error(),
			Cause:      err,
		}
	}
	if stderrors.Is(err, context.Canceled) {
		return err
	}

	return &RegistryError{
		Type:      ErrorTypeNetwork,
		Operation: operation,
		Registry:  registry,
		Message:   err.Error(),
		Cause:     err,
	}
}
