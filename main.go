package main

import "github.com/patrick-hofmann/koompl/cmd"

func main() {
	cmd.Execute()
}
