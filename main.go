package main

import "github.com/TheusHen/peerprobe/cmd"

func main() {
	cmd.Execute()
}
