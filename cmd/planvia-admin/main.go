package main

import (
	"github.com/planvia/planvia/internal/cli"
)

func main() {
	cli.Execute()
}
