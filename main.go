package main

import "github.com/ReverendTrivium/RedactedBot-sub001/cmd"

func main() {
	cmd.Execute()
}
