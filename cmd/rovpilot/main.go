package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/autopeer-io/rovpilot/cmd/rovpilot/app"
)

func main() {
	app.NewApp().Run()
}
