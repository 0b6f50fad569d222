package main

import "github.com/tuimorsa/stationmaster/cmd"

func main() {
	cmd.Execute()
}
