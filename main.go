package main

import "github.com/speedrun-hq/dca-executor/pkg/cli"

func main() {
	cli.Execute()
}
