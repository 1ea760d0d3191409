package main

import "github.com/readydave/ocrestra/cmd"

func main() {
	cmd.Execute()
}
