package main

import "github.com/iksnae/chattabs/cmd"

func main() {
	cmd.Execute()
}
