package main

import (
	"fmt"
	"os"

	"fundmgr/services/fundd"
)

func main() {
	if err := fundd.Main(); err != nil {
		fmt.Fprintf(os.Stderr, "fundd: %v\n", err)
		os.Exit(1)
	}
}
