package main

import (
	"fmt"
	"os"
	"text/tabwriter"
)

type lsCmd struct{}

func (c *lsCmd) Run(app *appContext) error {
	boxes, err := app.rt.List(app.ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BOX ID\tNAME\tSTATE\tIMAGE\t")
	for _, b := range boxes {
		info := b.Info()
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n", info.ID, info.Name, info.State, info.Config.Image)
	}
	return w.Flush()
}
