package main

import "github.com/nfrund/dmrelay/cmd/relayctl/cmd"

func main() {
	cmd.Execute()
}
