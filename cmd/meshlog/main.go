package main

import "github.com/meshlog-network/meshlog/internal/cli"

func main() {
	cli.Execute()
}
