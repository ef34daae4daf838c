package main

import "github.com/quarrydev/quarry/cli"

func main() {
	cli.Execute()
}
