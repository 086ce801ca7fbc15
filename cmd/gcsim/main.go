// Command gcsim builds random object graphs on a heap and collects them,
// checking after every collection that nothing reachable was lost.
package main

import (
	"errors"
	"os"

	"github.com/jessevdk/go-flags"

	"copygc/config"
	"copygc/infra"
)

type Options struct {
	Config   string  `short:"c" long:"config" description:"properties file with collector options"`
	Rounds   int     `short:"r" long:"rounds" default:"10" description:"allocation rounds"`
	Objects  int     `short:"n" long:"objects" default:"20000" description:"objects allocated per round"`
	Slots    int     `long:"slots" default:"8" description:"slots per object"`
	Survival float64 `long:"survival" default:"0.2" description:"fraction of each round's roots kept alive"`
	Seed     int64   `long:"seed" default:"1" description:"random seed"`

	GC config.Options `group:"Collector Options"`
}

func main() {
	opts := Options{GC: config.Default()}
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if opts.Config != "" {
		loaded, err := config.LoadFile(opts.Config)
		if err != nil {
			infra.Logger.Fatal().Err(err).Msg("load config")
		}
		// Command line values override the file.
		opts.GC = loaded
		if _, err := parser.Parse(); err != nil {
			os.Exit(2)
		}
	}
	if err := run(opts); err != nil {
		var lost *lostCellError
		if errors.As(err, &lost) {
			infra.Logger.Fatal().Err(err).Str("cell", lost.cell.String()).Msg("heap corrupted")
		}
		infra.Logger.Fatal().Err(err).Msg("simulation failed")
	}
}
