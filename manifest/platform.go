package manifest

import "fmt"

// Arch is a CPU architecture in GOARCH spelling.
type Arch string

// OS is an operating system in GOOS spelling.
type OS string

var knownArchs = map[Arch]struct{}{
	"386": {}, "amd64": {}, "amd64p32": {}, "arm": {}, "armbe": {}, "arm64": {},
	"arm64be": {}, "loong64": {}, "mips": {}, "mipsle": {}, "mips64": {},
	"mips64le": {}, "mips64p32": {}, "mips64p32le": {}, "ppc": {}, "ppc64": {},
	"ppc64le": {}, "riscv": {}, "riscv64": {}, "s390": {}, "s390x": {},
	"sparc": {}, "sparc64": {}, "wasm": {},
}

var knownOSes = map[OS]struct{}{
	"aix": {}, "android": {}, "darwin": {}, "dragonfly": {}, "freebsd": {},
	"hurd": {}, "illumos": {}, "ios": {}, "js": {}, "linux": {}, "nacl": {},
	"netbsd": {}, "openbsd": {}, "plan9": {}, "solaris": {}, "wasip1": {},
	"windows": {}, "zos": {},
}

// ParseArch returns the architecture and whether it is a known GOARCH value.
func ParseArch(s string) (Arch, bool) {
	_, ok := knownArchs[Arch(s)]
	return Arch(s), ok
}

// ParseOS returns the operating system and whether it is a known GOOS value.
func ParseOS(s string) (OS, bool) {
	_, ok := knownOSes[OS(s)]
	return OS(s), ok
}

// Known reports whether a is a recognized architecture.
func (a Arch) Known() bool {
	_, ok := knownArchs[a]
	return ok
}

// Known reports whether o is a recognized operating system.
func (o OS) Known() bool {
	_, ok := knownOSes[o]
	return ok
}

// Platform describes the platform an entry of a manifest list runs on.
type Platform struct {
	Architecture Arch     `json:"architecture"`
	OS           OS       `json:"os"`
	OSVersion    string   `json:"os.version,omitempty"`
	OSFeatures   []string `json:"os.features,omitempty"`
	Variant      string   `json:"variant,omitempty"`
	Features     []string `json:"features,omitempty"`
}

// String returns os/arch[/variant].
func (p Platform) String() string {
	if p.Variant != "" {
		return fmt.Sprintf("%s/%s/%s", p.OS, p.Architecture, p.Variant)
	}
	return fmt.Sprintf("%s/%s", p.OS, p.Architecture)
}
