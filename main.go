package main

import "github.com/dayuer/beacon-gateway/cmd"

func main() {
	cmd.Execute()
}
