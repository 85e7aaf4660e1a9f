package main

import "github.com/collabd/relay/cmd/relay/cmd"

func main() {
	cmd.Execute()
}
