package main

import "github.com/bryanchriswhite/overlaysync/cmd/overlaysync/commands"

func main() {
	commands.Execute()
}
