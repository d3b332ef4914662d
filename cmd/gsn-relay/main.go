package main

import "github.com/flashbots/gsn-relay/cli"

func main() {
	cli.Main()
}
