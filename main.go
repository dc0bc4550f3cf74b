package main

import (
	"github.com/joho/godotenv"

	"github.com/realtime-ai/nodeplayer/cmd"
)

func main() {
	_ = godotenv.Load()
	cmd.Execute()
}
