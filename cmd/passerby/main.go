package main

import "github.com/zoravur/passerby/internal/cli"

func main() {
	cli.Execute()
}
