package main

import "github.com/rafaelvchaves/respkv/cmd"

func main() {
	cmd.Execute()
}
