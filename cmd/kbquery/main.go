// Command kbquery runs the compliance knowledge base query service.
package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/kart-io/sentinel-kb/internal/kbquery"
)

func main() {
	kbquery.NewApp().Run()
}
