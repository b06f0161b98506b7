package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/wrightpm/wright/internal/db"
	"github.com/wrightpm/wright/internal/install"
	"github.com/wrightpm/wright/internal/wright"
)

func cmdVerify(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("verify", flag.ExitOnError)
	root := fset.String("root", "/", "root directory the package was installed into")
	fset.Parse(args)
	if fset.NArg() != 1 {
		return &wright.ValidationError{Msg: "syntax: verify [options] <package>"}
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

	problems, err := install.Verify(database, fset.Arg(0), *root)
	if err != nil {
		return err
	}
	if len(problems) == 0 {
		fmt.Println("ok")
		return nil
	}
	for _, p := range problems {
		fmt.Println(p)
	}
	return &wright.ValidationError{Msg: fmt.Sprintf("%d problem(s) found", len(problems))}
}
