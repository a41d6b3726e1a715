package main

import "github.com/tileserv/coretiles/internal/cmd"

func main() {
	cmd.Execute()
}
