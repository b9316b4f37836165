package main

import "jobctl/cmd"

func main() {
	cmd.Execute()
}
