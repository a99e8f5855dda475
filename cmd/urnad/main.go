// Command urnad serves the voting kiosk API in front of the election authority.
package main

import (
	"log"

	"urna/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
