package main

import (
	"github.com/codealchemist/peer-meet/cmd"
	"github.com/codealchemist/peer-meet/internal/logging"
)

func main() {
	logging.Init()
	cmd.Execute()
}
