package main

import "github.com/arielsmarin/straty-backend-stable/internal/cmd"

func main() {
	cmd.Execute()
}
