package platform

import (
	"bufio"
	"io"
	"os"
	"runtime"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/bibin-skaria/ocirootfs/manifest"
)

// CPUInfoFilename is consulted to detect the ARM revision of the host.
const CPUInfoFilename = "/proc/cpuinfo"

// Host returns the platform this binary is running on.
func Host() manifest.Platform {
	return manifest.Platform{
		OS:           manifest.OS(runtime.GOOS),
		Architecture: manifest.Arch(runtime.GOARCH),
		Variant:      hostVariant(runtime.GOARCH),
	}
}

func hostVariant(arch string) string {
	switch arch {
	case "arm64":
		return "v8"
	case "arm":
		f, err := os.Open(CPUInfoFilename)
		if err != nil {
			return "v7"
		}
		defer f.Close()
		return armVariant(f)
	default:
		return ""
	}
}

// armVariant reads the "CPU architecture" field of a cpuinfo listing.
func armVariant(r io.Reader) string {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok || strings.TrimSpace(key) != "CPU architecture" {
			continue
		}

		value = strings.TrimSpace(value)
		switch {
		case strings.HasPrefix(value, "8"), strings.HasPrefix(value, "AArch64"):
			return "v8"
		case strings.HasPrefix(value, "7"):
			return "v7"
		case strings.HasPrefix(value, "6"):
			return "v6"
		case strings.HasPrefix(value, "5"):
			return "v5"
		}
	}
	return "v7"
}

// Parse builds a platform from "os/arch[/variant]", e.g. for --platform
// overrides.
func Parse(s string) (manifest.Platform, error) {
	p, err := v1.ParsePlatform(s)
	if err != nil {
		return manifest.Platform{}, err
	}

	return manifest.Platform{
		Architecture: manifest.Arch(p.Architecture),
		OS:           manifest.OS(p.OS),
		OSVersion:    p.OSVersion,
		OSFeatures:   p.OSFeatures,
		Variant:      p.Variant,
		Features:     p.Features,
	}, nil
}
