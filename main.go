package main

import (
	"github.com/BioHazard786/Warpdrop/conference/cmd"
	"github.com/BioHazard786/Warpdrop/conference/internal/logging"
)

func main() {
	// Initialize logging
	logging.Init()
	cmd.Execute()
}
