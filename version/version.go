package version

// Both are overridden at build time with
// -ldflags "-X github.com/AvaProtocol/ap-bundler/version.semver=... -X github.com/AvaProtocol/ap-bundler/version.revision=..."
var (
	semver   = "0.1.0"
	revision = "unknown"
)

func Get() string {
	return semver
}

func Commit() string {
	return revision
}
