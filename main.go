package main

import "github.com/arcward/ambassador/cmd"

func main() {
	cmd.Execute()
}
