// Command datatask runs the workers and the manager of a datatask deployment
// and submits or stops tasks from the command line.
package main

import (
	"os"

	"github.com/jessevdk/go-flags"
)

type optsGeneral struct {
	Config string `long:"config" short:"c" env:"DATATASK_CONFIG" description:"Path to a YAML configuration file"`
}

func main() {
	parser := flags.NewParser(nil, flags.Default)
	commands := []struct {
		name, doc string
		data any
	}{
		{"worker", docWorker, &optsWorker{}},
		{"manager", docManager, &optsManager{}},
		{"start", docStart, &optsStart{}},
		{"stop", docStop, &optsStop{}},
		{"list", docList, &optsList{}},
		{"clear", docClear, &optsClear{}},
	}
	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.doc, c.doc, c.data); err != nil {
			panic(err)
		}
	}

	if _, err := parser.Parse(); err != nil {
		switch flagsErr := err.(type) {
		case *flags.Error:
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
			os.Exit(1)
		default:
			os.Exit(1)
		}
	}
}
