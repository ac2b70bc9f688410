package main

import "github.com/zjrosen/sessionscope/cmd"

func main() {
	cmd.Execute()
}
