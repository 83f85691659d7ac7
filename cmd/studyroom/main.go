package main

import "github.com/dkeye/roommesh/internal/cli"

func main() {
	cli.Execute()
}
