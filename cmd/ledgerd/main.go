package main

import "github.com/tidewallet/ledgerd/internal/cli"

func main() {
	cli.Execute()
}
