package main

import "github.com/putto11262002/realtime/cmd"

func main() {
	cmd.Execute()
}
