package main

import "outlineserver/internal/cli"

func main() {
	cli.Execute()
}
