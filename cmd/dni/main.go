package main

import (
	"fmt"
	"os"

	"github.com/dotnet-insights/dni/cmd/dni/commands"
)

func main() {
	err := commands.Execute()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
