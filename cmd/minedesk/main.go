package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/phillip-england/minedesk/internal/minedeskcli"
)

func main() {
	if err := minedeskcli.Execute(os.Args[1:]); err != nil {
		if errors.Is(err, minedeskcli.ErrUsage) {
			fmt.Fprintln(os.Stderr, err)
			fmt.Fprintln(os.Stderr)
			minedeskcli.PrintUsage(os.Stderr)
			os.Exit(2)
		}
		log.Fatal(err)
	}
}
