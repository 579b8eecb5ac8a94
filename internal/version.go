package internal

// Version is the semantic version of the relay. Overridden at build time
// with -ldflags "-X github.com/aibtcdev/x402-sponsor-relay-sub001/internal.Version=...".
var Version = "dev"
