package main

import (
	"github.com/slidecast/slidecast/cmd"
)

func main() {
	cmd.Execute()
}
