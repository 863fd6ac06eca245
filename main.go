package main

import "github.com/tovrik/undertow/cmd"

func main() {
	cmd.Execute()
}
