package main

import "github.com/tahirm/mongobranch/internal/cmd"

func main() {
	cmd.Execute()
}
