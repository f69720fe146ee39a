// Command takod is the Tako remote runtime daemon: it terminates HTTP/HTTPS
// traffic, rolls out and supervises app instances, and exposes the
// management protocol on a Unix domain socket.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
