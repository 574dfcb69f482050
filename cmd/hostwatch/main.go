package main

import (
	"log"

	"github.com/joho/godotenv"

	"github.com/hostwatch/hostwatch/internal/app"
)

func main() {
	// optional .env for local runs; absence is fine
	_ = godotenv.Load()

	if err := app.New().Run(); err != nil {
		log.Fatalf("❌ hostwatch failed to start: %v", err)
	}
}
