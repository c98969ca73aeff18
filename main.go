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
			fmt.Fprintln(os.Stderr, "usage: minedesk setup --company <name> --admin-email <email> --admin-password <password> [--force]")
			fmt.Fprintln(os.Stderr, "       minedesk run api|client|all")
			fmt.Fprintln(os.Stderr, "       minedesk help")
			os.Exit(2)
		}
		log.Fatal(err)
	}
}
