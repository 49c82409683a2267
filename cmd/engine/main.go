package main

import (
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// .env files are optional; they help local runs.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
