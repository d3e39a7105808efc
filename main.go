package main

import "github.com/agenthud/agenthud/cmd"

func main() {
	cmd.Execute()
}
