package main

import "github.com/ineyio/creditengine/internal/cli"

func main() {
	cli.Execute()
}
