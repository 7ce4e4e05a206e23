package main

import "github.com/bigredctf/instancer/cmd/instancerctl/cmd"

func main() {
	cmd.Execute()
}
