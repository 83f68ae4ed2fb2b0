// Command boxlite is a thin CLI shell over the boxlite package, useful for
// smoke-testing a runtime home directory and for scripting without writing
// Go. Embedding applications are expected to import the package directly;
// this binary exists as a thin CLI shell around it, nothing more.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"

	"github.com/banksean/boxlite"
)

type appContext struct {
	ctx context.Context
	rt  *boxlite.Runtime
}

type cli struct {
	HomeDir  string `placeholder:"<dir>" help:"runtime home directory (defaults to ~/.boxlite)"`
	LogLevel string `default:"info" placeholder:"<debug|info|warn|error>" help:"logging level"`

	Create  createCmd  `cmd:"" help:"create a box"`
	Exec    execCmd    `cmd:"" help:"run a command in a box, starting it if necessary"`
	Ls      lsCmd      `cmd:"" help:"list boxes"`
	Stop    stopCmd    `cmd:"" help:"stop a box"`
	Rm      rmCmd      `cmd:"" help:"remove a box"`
	Version versionCmd `cmd:"" help:"print version information"`
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Configuration(kongyaml.Loader, filepath.Join(os.Getenv("HOME"), ".boxlite.yaml")),
		kong.Description("Run OCI container workloads inside hardware-isolated micro-VMs."))

	ctx := context.Background()

	opts := []boxlite.Option{boxlite.WithLogLevel(c.LogLevel)}
	if c.HomeDir != "" {
		opts = append(opts, boxlite.WithHomeDir(c.HomeDir))
	}

	rt, err := boxlite.New(ctx, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boxlite: %v\n", err)
		os.Exit(1)
	}
	defer rt.Shutdown(ctx, 30*time.Second)

	err = kctx.Run(&appContext{ctx: ctx, rt: rt})
	kctx.FatalIfErrorf(err)
}
