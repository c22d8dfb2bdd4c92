package main

import "fmt"
import "os"
import "sort"

import "github.com/alecthomas/kingpin/v2"
import "github.com/berrym/lusush-sub005/malloc"
import "github.com/bnclabs/golog"

var options struct {
	loglevel string
}

func main() {
	app := kingpin.New("pools", "Exercise and inspect shell memory pools.")
	app.Flag("loglevel", "log level for malloc components").
		Default("warn").StringVar(&options.loglevel)
	app.PreAction(func(*kingpin.ParseContext) error {
		setts := map[string]interface{}{
			"log.level": options.loglevel,
			"log.file":  "",
		}
		log.SetLogger(nil, setts)
		malloc.LogComponents("all")
		return nil
	})

	addLoadCommand(app)
	addSettingsCommand(app)
	kingpin.MustParse(app.Parse(os.Args[1:]))
}

type settingsCommand struct {
	typ string
}

func (cmd *settingsCommand) run(*kingpin.ParseContext) error {
	setts := malloc.Poolsettings(cmd.typ)
	keys := make([]string, 0, len(setts))
	for key := range setts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	fmt.Printf("settings for pool %q\n", cmd.typ)
	for _, key := range keys {
		fmt.Printf("  %-18v %v\n", key, setts[key])
	}
	return nil
}

func addSettingsCommand(app *kingpin.Application) {
	cmd := &settingsCommand{}
	c := app.Command("settings", "Print default settings for a pool type.").Action(cmd.run)
	c.Arg("type", "pool type").Default("buffer").StringVar(&cmd.typ)
}
