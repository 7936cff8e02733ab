package main

import "timelessbot/cmd"

func main() {
	cmd.Execute()
}
