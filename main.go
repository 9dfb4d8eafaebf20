package main

import "github.com/radiantarchive/keybot/cmd"

func main() {
	cmd.Execute()
}
