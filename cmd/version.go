package cmd

// Version is the release identifier. Overridden at build time:
//
//	go build -ldflags "-X github.com/kmnops/kmn-agent/cmd.Version=1.0.0"
var Version = "0.1.0"
