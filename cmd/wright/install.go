package main

import (
	"context"
	"flag"

	"github.com/wrightpm/wright/internal/db"
	"github.com/wrightpm/wright/internal/wright"
)

func cmdInstall(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("install", flag.ExitOnError)
	root := fset.String("root", "/", "root directory to install into")
	fset.Parse(args)
	if fset.NArg() != 1 {
		return &wright.ValidationError{Msg: "syntax: install [options] <archive>"}
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

	return installArchive(database, fset.Arg(0), *root)
}
