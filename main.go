package main

import (
	"github.com/casspangell/drone-choir-app-sub000/cmd"
)

func main() {
	cmd.Execute()
}
