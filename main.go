package main

import "trade-bot-radar/internal/cli"

func main() {
	cli.Execute()
}
