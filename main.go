package main

import "github.com/bnema/ardysactl/cmd"

func main() {
	cmd.Execute()
}
