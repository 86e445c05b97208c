package main

import "github.com/trymwestin/dailyconnect/internal/cli"

func main() {
	cli.Execute()
}
