package main

import "github.com/agentrelay/relay/services/engine/cli"

func main() {
	cli.Execute()
}
