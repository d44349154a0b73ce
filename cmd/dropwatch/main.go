package main

import "github.com/ppiankov/dropwatch/internal/cli"

func main() {
	cli.Execute()
}
