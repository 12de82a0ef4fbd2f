package main

import "github.com/AvaProtocol/ap-bundler/cmd"

func main() {
	cmd.Execute()
}
