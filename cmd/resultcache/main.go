package main

import "github.com/aweris/resultcache/cmd/resultcache/cmd"

func main() {
	cmd.Execute()
}
