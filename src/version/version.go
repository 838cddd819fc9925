package version

// Version is the CLI version string. Overridden at build time via
// -ldflags "-X cbt-backup/src/version.Version=...".
var Version = "0.1.0"
