package main

import (
	"log"

	"github.com/spigell/hh-sourcer/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
