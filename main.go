package main

import (
	"github.com/paged-llm/paged-llm/cmd"
)

func main() {
	cmd.Execute()
}
