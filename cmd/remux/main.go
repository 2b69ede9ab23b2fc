// Command remux transmuxes MPEG transport streams and raw AAC into
// fragmented MP4. "remux file" converts a file on disk; "remux serve"
// ingests live SRT streams and serves rolling fMP4 segments over HTTPS
// and HTTP/3.
package main

import (
	"os"
)

var version = "dev"

func main() {
	if err := newRootCmd(&app{stderr: os.Stderr}).Execute(); err != nil {
		os.Exit(1)
	}
}
