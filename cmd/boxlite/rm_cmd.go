package main

import (
	"fmt"
	"sync"
)

type rmCmd struct {
	Box   string `arg:"" optional:"" help:"box ID, name, or unambiguous ID prefix"`
	All   bool   `help:"remove every box"`
	Force bool   `short:"f" help:"stop the box first if it is still running"`
}

func (c *rmCmd) Run(app *appContext) error {
	var ids []string
	if c.All {
		boxes, err := app.rt.List(app.ctx)
		if err != nil {
			return err
		}
		for _, b := range boxes {
			ids = append(ids, b.ID())
		}
	} else {
		ids = []string{c.Box}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			b, err := app.rt.Get(app.ctx, id)
			if err != nil {
				errCh <- err
				return
			}
			if err := b.Remove(app.ctx, c.Force); err != nil {
				errCh <- err
				return
			}
			fmt.Println(id)
		}(id)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}
