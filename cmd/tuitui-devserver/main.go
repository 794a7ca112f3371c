package main

import (
	"log"

	"tuitui/cmd/internal/app"
)

func main() {
	if err := app.Run(".env"); err != nil {
		log.Fatal(err)
	}
}
