package main

import (
	_ "github.com/joho/godotenv/autoload"

	"recording-upload-queue/internal/cli"
)

func main() {
	cli.Execute()
}
