package main

import (
	"github.com/xkilldash9x/autorenew/cmd"
)

func main() {
	cmd.Execute()
}
