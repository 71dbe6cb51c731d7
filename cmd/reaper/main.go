package main

import "github.com/agentrelay/relay/services/reaper/cli"

func main() {
	cli.Execute()
}
