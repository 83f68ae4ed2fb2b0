package main

import (
	"fmt"

	"github.com/banksean/boxlite"
)

type versionCmd struct{}

func (c *versionCmd) Run(app *appContext) error {
	v := boxlite.Version()
	fmt.Printf("module: %s\n", v.ModulePath)
	fmt.Printf("sum: %s\n", v.ModuleSum)
	fmt.Printf("go: %s\n", v.GoVersion)
	return nil
}
