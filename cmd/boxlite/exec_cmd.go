package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/banksean/boxlite"
)

type execCmd struct {
	TTY     bool     `short:"t" help:"allocate a pseudo-TTY and forward the local terminal's raw mode and size"`
	Box     string   `arg:"" help:"box ID, name, or unambiguous ID prefix"`
	Command string   `arg:"" help:"command to run"`
	Args    []string `arg:"" optional:"" help:"command arguments"`
}

func (c *execCmd) Run(app *appContext) error {
	b, err := app.rt.Get(app.ctx, c.Box)
	if err != nil {
		return err
	}

	e, err := b.Exec(app.ctx, c.Command, c.Args, nil, c.TTY)
	if err != nil {
		return err
	}

	if c.TTY && term.IsTerminal(int(os.Stdin.Fd())) {
		return c.runInteractive(app, e)
	}

	chunks, err := e.Attach(app.ctx)
	if err != nil {
		return err
	}
	for chunk := range chunks {
		if chunk.Tag == "stderr" {
			os.Stderr.Write(chunk.Bytes)
		} else {
			os.Stdout.Write(chunk.Bytes)
		}
	}

	code, err := e.Wait(app.ctx)
	if err != nil {
		return err
	}
	if code != 0 {
		fmt.Fprintf(os.Stderr, "exit status %d\n", code)
		os.Exit(code)
	}
	return nil
}

// runInteractive puts the local terminal into raw mode for the duration of
// the exec and forwards its size to the guest via ResizeTty before pumping
// stdin into the execution while draining its output stream.
func (c *execCmd) runInteractive(app *appContext, e *boxlite.Execution) error {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("put terminal in raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	if cols, rows, err := term.GetSize(fd); err == nil {
		e.ResizeTty(app.ctx, cols, rows)
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if cols, rows, err := term.GetSize(fd); err == nil {
				e.ResizeTty(app.ctx, cols, rows)
			}
		}
	}()

	chunks, err := e.Attach(app.ctx)
	if err != nil {
		return err
	}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				e.SendInput(app.ctx, buf[:n], false)
			}
			if err != nil {
				e.SendInput(app.ctx, nil, true)
				return
			}
		}
	}()

	for chunk := range chunks {
		if chunk.Tag == "stderr" {
			os.Stderr.Write(chunk.Bytes)
		} else {
			os.Stdout.Write(chunk.Bytes)
		}
	}

	code, err := e.Wait(app.ctx)
	if err != nil {
		return err
	}
	if code != 0 {
		os.Exit(code)
	}
	return nil
}
