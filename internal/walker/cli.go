package walker

import (
	"os"
)

// ShowHelp prints usage information for the walker tool.
func ShowHelp() {
	_, _ = os.Stdout.WriteString(`geopresence walker
==================

Walks synthetic users between the regions of a running server, posting OS
region callbacks and location samples, then verifies every user's presence.

Usage:
  go run ./cmd/walker [options]

Options:
  -url string        Base URL of the service (default "http://localhost:9080")
  -users int         Number of synthetic users (default 200)
  -steps int         Regions visited per user (default 5)
  -workers int       Number of concurrent walkers (default CPU cores * 2)
  -timeout duration  HTTP request timeout (default 10s)
  -settle duration   Wait before verifying (default 7s, longer than the grace window)
  -dup float         Fraction of OS callbacks redelivered (default 0.1)
  -seed uint         Route seed (default: current time)
  -verbose           Log every refused request
  -help              Show this help message

Examples:
  go run ./cmd/walker -users 1000 -steps 10
  go run ./cmd/walker -url http://localhost:8080 -settle 1s
`)
}
