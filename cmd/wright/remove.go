package main

import (
	"context"
	"flag"
	"log"

	"github.com/wrightpm/wright/internal/db"
	"github.com/wrightpm/wright/internal/install"
	"github.com/wrightpm/wright/internal/wright"
)

func cmdRemove(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("remove", flag.ExitOnError)
	root := fset.String("root", "/", "root directory to remove from")
	fset.Parse(args)
	if fset.NArg() != 1 {
		return &wright.ValidationError{Msg: "syntax: remove [options] <package>"}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := db.Open(cfg.General.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	warnings, err := install.Remove(database, fset.Arg(0), *root)
	for _, w := range warnings {
		log.Printf("warning: %s", w)
	}
	return err
}
