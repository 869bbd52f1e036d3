package main

import (
	"context"
	"flag"
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

func (c maincmd) tag(ctx context.Context, fset *flag.FlagSet, args []string) error {
	var (
		project = fset.String("project", "", "project name")
		id      = fset.String("id", "", "package id (default: list tagged packages)")
		add     = fset.String("add", "", "tag to add")
		remove  = fset.String("remove", "", "tag to remove")
	)
	err := fset.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if err = requireFlags("project", *project); err != nil {
		return err
	}
	tags := c.r.Tags()

	if *id == "" {
		m, err := tags.PackagesThenTags(ctx, *project)
		if err != nil {
			return errors.Wrapf(err, "reading tags of %s", *project)
		}
		var ids []string
		for pkg := range m {
			ids = append(ids, pkg)
		}
		sort.Strings(ids)
		for _, pkg := range ids {
			fmt.Printf("%s %v\n", pkg, m[pkg])
		}
		return nil
	}

	if _, err = c.r.Manifest(ctx, *project, *id); err != nil {
		return errors.Wrapf(err, "getting package %s", *id)
	}
	if *add != "" {
		if err = tags.AddTag(ctx, *project, *id, *add); err != nil {
			return errors.Wrapf(err, "adding tag %s", *add)
		}
	}
	if *remove != "" {
		if err = tags.RemoveTag(ctx, *project, *id, *remove); err != nil {
			return errors.Wrapf(err, "removing tag %s", *remove)
		}
	}

	t, err := tags.TagsOf(ctx, *project, *id)
	if err != nil {
		return errors.Wrapf(err, "reading tags of %s", *id)
	}
	for _, tag := range t {
		fmt.Println(tag)
	}
	return nil
}
