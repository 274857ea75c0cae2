package main

import "github.com/tartarus-sandbox/resourcer/cmd/resourcer/cmd"

func main() {
	cmd.Execute()
}
