package main

import "github.com/dnetguru/wallpaper-engine-controller/cmd/wallpaper-controller/commands"

func main() {
	commands.Execute()
}
