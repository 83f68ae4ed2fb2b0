package main

type stopCmd struct {
	Box string `arg:"" help:"box ID, name, or unambiguous ID prefix"`
}

func (c *stopCmd) Run(app *appContext) error {
	b, err := app.rt.Get(app.ctx, c.Box)
	if err != nil {
		return err
	}
	return b.Stop(app.ctx)
}
