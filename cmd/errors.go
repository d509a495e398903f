package main

import (
	"context"
	"errors"
	"io/fs"

	ierrors "github.com/bibin-skaria/ocirootfs/internal/errors"
	"github.com/bibin-skaria/ocirootfs/image"
	"github.com/bibin-skaria/ocirootfs/manifest"
	"github.com/bibin-skaria/ocirootfs/platform"
	"github.com/bibin-skaria/ocirootfs/registry"
	"github.com/bibin-skaria/ocirootfs/unpack"
)

// classify maps a command failure onto a categorized error with a
// suggestion for the user.
func classify(err error) *ierrors.Error {
	var categorized *ierrors.Error
	if errors.As(err, &categorized) {
		return categorized
	}

	b := ierrors.NewErrorBuilder().Message(err.Error()).Cause(err)

	var (
		regErr       *registry.RegistryError
		verifyErr    *image.VerificationError
		traversalErr *unpack.TraversalError
		unpackErr    *unpack.Error
		schemaErr    *manifest.SchemaVersionError
		mediaTypeErr *manifest.MediaTypeError
		decodeErr    *manifest.DecodeError
		pathErr      *fs.PathError
	)

	switch {
	case errors.Is(err, context.Canceled):
		b.Category(ierrors.ErrorCategoryTimeout).Severity(ierrors.ErrorSeverityLow).
			Suggestion("The operation was interrupted; rerun it to continue")

	case errors.Is(err, context.DeadlineExceeded):
		b.Category(ierrors.ErrorCategoryTimeout).
			Suggestion("Increase --layer-timeout or the registry timeout")

	case errors.As(err, &traversalErr):
		b.Category(ierrors.ErrorCategorySecurity).Severity(ierrors.ErrorSeverityCritical).
			Suggestion("The layer contains a path that leaves the root filesystem; do not trust this image")

	case errors.As(err, &verifyErr):
		b.Category(ierrors.ErrorCategorySecurity).Severity(ierrors.ErrorSeverityCritical).
			Layer(verifyErr.Digest.String()).
			Suggestion("Content does not match its digest; check for a misbehaving registry or proxy")

	case errors.As(err, &regErr):
		return registryError(err, regErr)

	case errors.Is(err, platform.ErrNoMatchingPlatform):
		b.Category(ierrors.ErrorCategoryPlatform).
			Suggestion("Run 'ocirootfs inspect --all-platforms' to list available platforms, then pass --platform")

	case errors.Is(err, platform.ErrNestedList):
		b.Category(ierrors.ErrorCategoryPlatform)

	case errors.As(err, &schemaErr), errors.As(err, &mediaTypeErr), errors.As(err, &decodeErr),
		errors.Is(err, manifest.ErrUnresolvedList):
		b.Category(ierrors.ErrorCategoryManifest).
			Suggestion("The image uses a manifest format that is not supported")

	case errors.As(err, &unpackErr):
		b.Category(ierrors.ErrorCategoryLayer).Operation(string(unpackErr.Phase))
		if !unpackErr.Layer.IsZero() {
			b.Layer(unpackErr.Layer.String())
		}

	case errors.As(err, &pathErr):
		return ierrors.NewFilesystemError(pathErr.Op, err.Error(), err)

	default:
		return ierrors.WrapError(err, "")
	}

	return b.Build()
}

func registryError(err error, regErr *registry.RegistryError) *ierrors.Error {
	var e *ierrors.Error
	switch regErr.Type {
	case registry.ErrorTypeAuthentication, registry.ErrorTypeAuthorization:
		e = ierrors.NewAuthError(regErr.Operation, err.Error(), err)
		e.Suggestion = "Set registry credentials in the config or OCIROOTFS_REGISTRY_USERNAME/PASSWORD"
	case registry.ErrorTypeNetwork:
		e = ierrors.NewNetworkError(regErr.Operation, err.Error(), err)
		e.Suggestion = "Check connectivity; use --insecure-registry for plain HTTP registries"
	default:
		e = ierrors.NewRegistryError(regErr.Operation, err.Error(), err)
		e.Category = registryCategory(regErr.Type)
		if regErr.Type == registry.ErrorTypeNotFound {
			e.Suggestion = "Check the image name and tag"
		}
	}
	e.Retryable = regErr.IsRetryable()
	return e
}

func registryCategory(t registry.ErrorType) ierrors.ErrorCategory {
	switch t {
	case registry.ErrorTypeManifest:
		return ierrors.ErrorCategoryManifest
	case registry.ErrorTypeBlob:
		return ierrors.ErrorCategoryLayer
	}
	return ierrors.ErrorCategoryRegistry
}

// exitCode is 2 for critical failures, such as rejected credentials or
// content that cannot be trusted, and 1 otherwise.
func exitCode(err error) int {
	if classify(err).IsCritical() {
		return 2
	}
	return 1
}

// describe renders err for the terminal.
func describe(err error) string {
	return classify(err).GetUserFriendlyMessage()
}
