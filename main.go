package main

import "github.com/billm/switchboard/cmd"

func main() {
	cmd.Execute()
}
