package main

import (
	"log"

	"tilevault/cmd/tvctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		log.Fatal(err)
	}
}
