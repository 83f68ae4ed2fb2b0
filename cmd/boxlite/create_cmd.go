package main

import (
	"fmt"

	"github.com/banksean/boxlite"
)

type createCmd struct {
	Image     string `short:"i" placeholder:"<ref>" help:"OCI image reference to run"`
	Name      string `short:"n" placeholder:"<name>" help:"box name (random if unset)"`
	Cpus      int    `default:"1" help:"vCPU count"`
	MemoryMib int    `default:"512" help:"guest memory in MiB"`
}

func (c *createCmd) Run(app *appContext) error {
	b, err := app.rt.Create(app.ctx, boxlite.BoxConfig{
		Name:      c.Name,
		Image:     c.Image,
		Cpus:      c.Cpus,
		MemoryMib: c.MemoryMib,
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", b.ID())
	return nil
}
