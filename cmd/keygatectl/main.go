package main

import "keygate/internal/cli"

func main() {
	cli.Execute()
}
