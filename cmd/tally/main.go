package main

import (
	"fmt"
	"os"

	tallycli "github.com/drand/tally/internal/tally-cli"
)

func main() {
	app := tallycli.CLI()
	if err := app.Run(os.Args); err != nil {
		fmt.Printf("%+v\n", err)
		os.Exit(1)
	}
}
