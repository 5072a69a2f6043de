// services/habitat/main.go
package main

import (
	"log"
	"os"

	"example.com/terrarium/services/habitat/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
