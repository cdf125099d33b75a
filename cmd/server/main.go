/*
main.go - Application entry point

PURPOSE:
  Starts the labor-events command line. With no arguments it prints help;
  `serve` runs the HTTP API.

EXAMPLES:
  # Local run against the in-memory gateway
  LE_GATEWAY_FAKE=true ./server serve

  # With a config file and the scheduler
  ./server serve --config ./config.yaml --scheduler

  # One dispatcher pass from cron
  ./server dispatch --config ./config.yaml

ENVIRONMENT:
  LE_* variables override the config file; see config/config.go.

SEE ALSO:
  - cli/: Commands and wiring
  - api/server.go: Router configuration
*/
package main

import "github.com/warp/labor-events/cli"

func main() {
	cli.Execute()
}
