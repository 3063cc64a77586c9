package version

// Version is the server release identifier. Overridden at build time via
// -ldflags "-X havenmapper/internal/version.Version=...".
var Version = "dev"
