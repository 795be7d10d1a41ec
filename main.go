package main

import "github.com/spectre-net/spectre/cmd"

func main() {
	cmd.Execute()
}
