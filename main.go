package main

import "github.com/jmehdipour/enhance-orchestrator/cmd"

func main() {
	cmd.Execute()
}
