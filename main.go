package main

import "github.com/xkilldash9x/applypilot/cmd"

func main() {
	cmd.Execute()
}
