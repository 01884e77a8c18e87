// Package main is the entry point for the Bay orchestration server.
//
// Bay stands between untrusted callers (AI agents and SDKs) and a pool of
// sandboxed code-execution runtimes, orchestrating the container groups
// behind durable sandbox handles.
//
// Usage:
//
//	bay-server serve [flags]
//
// Flags:
//
//	-c, --config string   Path to config file
//	-v, --verbose         Enable debug logging
//	    --json-log        Output logs in JSON format
package main

import "github.com/RC-CHN/bay/internal/cli"

func main() {
	cli.Execute()
}
