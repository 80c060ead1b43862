package main

import (
	"os"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stderr)

	if err := godotenv.Load(); err != nil {
		log.Debug("Could not load .env file.")
	}

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
